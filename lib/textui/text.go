// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui holds utilities for text that goes to the user,
// as opposed to text that goes to the logs.
package textui

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like `fmt.Fprintf`, but (1) includes the extensions of
// `golang.org/x/text/message.Printer`, and (2) marks a print call as
// part of the UI rather than something internal.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is like `fmt.Sprintf`, but with the same extensions as
// Fprintf.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}
