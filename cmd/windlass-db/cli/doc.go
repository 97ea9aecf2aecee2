// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-tree infrastructure for the
// windlass-db operator tool: command dispatch with typo suggestions,
// structured help output, and the shared command logger. Commands are
// declared as [Command] values with a Flags constructor and a Run
// function and assembled into a tree in the main package.
package cli
