// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package socket wraps the raw TCP socket syscalls behind a role-tagged
// handle. Operations are blocking and synchronous; failures surface as
// api.Error values. Unix-like systems only (Linux, macOS).
package socket
