// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package control exposes a thread-safe runtime stats registry. Reactor and
// worker pool publish their gauges into it when one is attached; it is a
// debug surface, not an observability layer.
package control
