package rlm

import (
	"fmt"

	"github.com/michaelbrown/rlm/internal/llm"
)

// DefaultQuery is used when Completion is called without a question.
const DefaultQuery = "Please read through the context and answer any queries or respond to any instructions contained within it."

const defaultSystemPrompt = `You are tasked with answering a query with associated context. You can access, transform, and analyze this context interactively in a JavaScript REPL environment that can recursively query sub-LLMs, which you are strongly encouraged to use as much as possible. You will be queried iteratively until you provide a final answer.

The REPL environment is initialized with:
1. A ` + "`context`" + ` variable that contains extremely important information about your query. You should check the content of the ` + "`context`" + ` variable to understand what you are working with. Make sure you look through it sufficiently as you answer your query.
2. A ` + "`llm_query(prompt)`" + ` function that queries a sub-LLM (that can handle around 500K characters) and returns its answer as a string, and ` + "`llm_query_async(prompt)`" + ` which returns a Promise so several queries can run at once with ` + "`await Promise.all([...])`" + `.
3. The ability to use ` + "`print()`" + ` or ` + "`console.log()`" + ` to view the output of your REPL code and continue your reasoning.
%s
Variables assigned at the top level of a snippet persist across snippets. Top-level ` + "`await`" + ` is supported.

You will only be able to see truncated outputs from the REPL environment, so use the query LLM function on variables you want to analyze. Use variables as buffers to build up your final answer.

When you want to execute JavaScript code in the REPL environment, wrap it in triple backticks with the 'repl' language identifier. For example:
` + "```repl" + `
const chunk = context.slice(0, 10000)
const answer = llm_query("What is the magic number in this text? " + chunk)
print(answer)
` + "```" + `

IMPORTANT: When you are done with the iterative process, you MUST provide a final answer outside of any code block, using one of:
1. FINAL(your final answer here) to provide the answer directly
2. FINAL_VAR(variable_name) to return a variable you have created in the REPL as your final output

Think step by step carefully, plan, and execute this plan immediately in your response. Do not just say "I will do this". Output to the REPL environment and recursive LLMs as much as possible.`

const toolsPromptSection = `4. A ` + "`call_tool(name, args)`" + ` function (and ` + "`call_tool_async`" + `) that invokes one of these tools and returns its text result:
%s`

// BuildSystemPrompt returns the system prompt, listing tools when toolDocs
// is non-empty.
func BuildSystemPrompt(toolDocs string) string {
	section := ""
	if toolDocs != "" {
		section = fmt.Sprintf(toolsPromptSection, toolDocs)
	}
	return fmt.Sprintf(defaultSystemPrompt, section)
}

// nextActionPrompt asks the root model for its next step, or for the final
// answer once the iteration budget is spent.
func nextActionPrompt(query string, iteration int, final bool) llm.Message {
	if final {
		return llm.UserMessage("Based on all the information you have, provide a final answer to the user's query: \"" + query + "\". Answer with FINAL(...) or FINAL_VAR(...).")
	}
	if iteration == 0 {
		return llm.UserMessage("You have not interacted with the REPL environment or seen your context yet. Your next action should be to look through the context; don't just provide a final answer yet.\n\n" +
			"Think step-by-step on what to do using the REPL environment (which contains the context) to answer the original query: \"" + query + "\".\n\nContinue using the REPL environment, which has the `context` variable, and querying sub-LLMs by writing to ```repl``` tags, and determine your answer. Your next action:")
	}
	return llm.UserMessage("The history before is your previous interactions with the REPL environment. " +
		"Think step-by-step on what to do using the REPL environment (which contains the context) to answer the original query: \"" + query + "\".\n\nContinue using the REPL environment, which has the `context` variable, and querying sub-LLMs by writing to ```repl``` tags, and determine your answer. Your next action:")
}
