// Command vklayer is the build target for the Vulkan layer shared object:
// go build -buildmode=c-shared -o libVkLayer_OBS_HOOK.so ./cmd/vklayer
//
// main itself is never called; the loader talks to this .so purely through
// the //export'd OBS_* functions in internal/vklayer/dispatch_linux.go. This
// package exists only to give the build a main package to target and to
// force that implementation package into the link.
package main

import (
	_ "vkcapture/internal/vklayer"
)

func main() {}
