// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package status

import (
	"fmt"
	"io"
	"os"

	xterm "golang.org/x/term"
)

// term gives limited control over a terminal: its current dimensions, and
// cursor movement for redrawing a status display in place.
type term struct {
	fd int
}

// openTerm returns a term for w if w is a terminal, or an error otherwise.
func openTerm(w io.Writer) (*term, error) {
	f, ok := w.(*os.File)
	if !ok {
		return nil, fmt.Errorf("status: not a terminal")
	}
	fd := int(f.Fd())
	if !xterm.IsTerminal(fd) {
		return nil, fmt.Errorf("status: not a terminal")
	}
	return &term{fd: fd}, nil
}

// Dim returns the terminal's current width and height, in columns and rows.
func (t *term) Dim() (width, height int) {
	width, height, err := xterm.GetSize(t.fd)
	if err != nil {
		return 80, 24
	}
	return width, height
}

// Move moves the cursor n lines: up if n is negative, down if positive.
func (t *term) Move(w io.Writer, n int) {
	switch {
	case n < 0:
		fmt.Fprintf(w, "\x1b[%dA", -n)
	case n > 0:
		fmt.Fprintf(w, "\x1b[%dB", n)
	}
}

// Clear erases the current line and returns the cursor to its start.
func (t *term) Clear(w io.Writer) {
	fmt.Fprint(w, "\x1b[2K\r")
}
