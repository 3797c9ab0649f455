// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package notify implements the self-pipe wake-up channel used by the
// reactor: a pipe pair whose read end sits in every poll wait and whose
// write end may be written from any goroutine to force a wake.
package notify
