package vklayer

import "unsafe"

// DispatchKey returns the loader dispatch pointer stored at the start of a
// dispatchable Vulkan handle (VkInstance, VkDevice, VkQueue, VkCommandBuffer),
// used as the registry key per spec.md §4.2: "the first pointer-sized word
// is always the loader's dispatch table and is stable for lookups from
// child handles whose first word aliases the parent's."
func DispatchKey(handle unsafe.Pointer) uintptr {
	return *(*uintptr)(handle)
}
