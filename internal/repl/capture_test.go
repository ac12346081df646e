package repl

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestCaptureRestoresSinks(t *testing.T) {
	var real bytes.Buffer
	out := NewOutput(&real, &real)

	fmt.Fprint(out.Stdout(), "before ")
	c := out.Capture(0, nil, nil)
	fmt.Fprint(out.Stdout(), "inside")
	fmt.Fprint(out.Stderr(), "oops")
	stdout, stderr := c.Release()
	fmt.Fprint(out.Stdout(), "after")

	if stdout != "inside" {
		t.Errorf("stdout = %q, want %q", stdout, "inside")
	}
	if stderr != "oops" {
		t.Errorf("stderr = %q, want %q", stderr, "oops")
	}
	if real.String() != "before after" {
		t.Errorf("real sink = %q, want %q", real.String(), "before after")
	}

	again, _ := c.Release()
	if again != "inside" {
		t.Errorf("second Release = %q", again)
	}
}

func TestCaptureTee(t *testing.T) {
	out := NewOutput(&bytes.Buffer{}, &bytes.Buffer{})
	var live bytes.Buffer

	c := out.Capture(0, &live, nil)
	fmt.Fprint(out.Stdout(), "streamed")
	stdout, _ := c.Release()

	if stdout != "streamed" || live.String() != "streamed" {
		t.Errorf("stdout = %q, live = %q", stdout, live.String())
	}
}

func TestCaptureLimit(t *testing.T) {
	out := NewOutput(&bytes.Buffer{}, &bytes.Buffer{})

	c := out.Capture(5, nil, nil)
	fmt.Fprint(out.Stdout(), "abc")
	fmt.Fprint(out.Stdout(), "defgh")
	stdout, _ := c.Release()

	if !strings.HasPrefix(stdout, "abcde") || !strings.HasSuffix(stdout, truncatedMarker) {
		t.Errorf("stdout = %q, want truncated after 5 bytes", stdout)
	}
}

func TestCaptureNested(t *testing.T) {
	var real bytes.Buffer
	out := NewOutput(&real, &real)

	outer := out.Capture(0, nil, nil)
	fmt.Fprint(out.Stdout(), "1")
	inner := out.Capture(0, nil, nil)
	fmt.Fprint(out.Stdout(), "2")
	innerOut, _ := inner.Release()
	fmt.Fprint(out.Stdout(), "3")
	outerOut, _ := outer.Release()

	if innerOut != "2" || outerOut != "13" {
		t.Errorf("inner = %q, outer = %q", innerOut, outerOut)
	}
	if real.Len() != 0 {
		t.Errorf("real sink received %q", real.String())
	}
}
