//go:build linux

package vklayer

/*
#cgo LDFLAGS: -ldl
#include <string.h>
#include <stdlib.h>
#include <vulkan/vulkan.h>
#include <vulkan/vk_layer.h>

static VkLayerInstanceCreateInfo *find_inst_link_info(const VkInstanceCreateInfo *info) {
	VkLayerInstanceCreateInfo *lici = (VkLayerInstanceCreateInfo *)info->pNext;
	while (lici && !(lici->sType == VK_STRUCTURE_TYPE_LOADER_INSTANCE_CREATE_INFO &&
			lici->function == VK_LAYER_LINK_INFO)) {
		lici = (VkLayerInstanceCreateInfo *)lici->pNext;
	}
	return lici;
}

static VkLayerDeviceCreateInfo *find_device_link_info(const VkDeviceCreateInfo *info) {
	VkLayerDeviceCreateInfo *ldci = (VkLayerDeviceCreateInfo *)info->pNext;
	while (ldci && !(ldci->sType == VK_STRUCTURE_TYPE_LOADER_DEVICE_CREATE_INFO &&
			ldci->function == VK_LAYER_LINK_INFO)) {
		ldci = (VkLayerDeviceCreateInfo *)ldci->pNext;
	}
	return ldci;
}

static PFN_vkGetInstanceProcAddr inst_link_gipa(VkLayerInstanceCreateInfo *lici) {
	return lici->u.pLayerInfo->pfnNextGetInstanceProcAddr;
}

static void inst_link_advance(VkLayerInstanceCreateInfo *lici) {
	lici->u.pLayerInfo = lici->u.pLayerInfo->pNext;
}

static PFN_vkGetInstanceProcAddr device_link_gipa(VkLayerDeviceCreateInfo *ldci) {
	return ldci->u.pLayerInfo->pfnNextGetInstanceProcAddr;
}

static PFN_vkGetDeviceProcAddr device_link_gdpa(VkLayerDeviceCreateInfo *ldci) {
	return ldci->u.pLayerInfo->pfnNextGetDeviceProcAddr;
}

static void device_link_advance(VkLayerDeviceCreateInfo *ldci) {
	ldci->u.pLayerInfo = ldci->u.pLayerInfo->pNext;
}

// bump_api_version fills ai from orig (or a blank VkApplicationInfo when orig
// is NULL), forcing apiVersion to at least 1.2, per spec.md §4.1
// CreateInstance step 2. ai must outlive the create call; caller owns its
// storage.
static void bump_api_version(VkApplicationInfo *ai, const VkApplicationInfo *orig) {
	if (orig) {
		*ai = *orig;
	} else {
		memset(ai, 0, sizeof(*ai));
		ai->sType = VK_STRUCTURE_TYPE_APPLICATION_INFO;
	}
	if (ai->apiVersion < VK_API_VERSION_1_2) {
		ai->apiVersion = VK_API_VERSION_1_2;
	}
}

static VkResult call_create_instance(PFN_vkGetInstanceProcAddr gpa,
		const VkInstanceCreateInfo *info,
		const VkAllocationCallbacks *ac,
		VkInstance *p_inst) {
	PFN_vkCreateInstance create = (PFN_vkCreateInstance)gpa(NULL, "vkCreateInstance");
	return create(info, ac, p_inst);
}

static VkResult call_create_device(PFN_vkGetInstanceProcAddr gipa,
		VkInstance inst,
		VkPhysicalDevice phys,
		const VkDeviceCreateInfo *info,
		const VkAllocationCallbacks *ac,
		VkDevice *p_device) {
	PFN_vkCreateDevice create = (PFN_vkCreateDevice)gipa(inst, "vkCreateDevice");
	return create(phys, info, ac, p_device);
}

// dispatch_key reads the loader dispatch pointer stored at the start of any
// dispatchable handle, per spec.md §4.2.
static uint64_t dispatch_key(const void *handle) {
	return (uint64_t)(uintptr_t)(*(void **)handle);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"vkcapture/internal/diag"
)

var (
	theLayer *Layer
	initOnce sync.Once
)

func initLayer() {
	initOnce.Do(func() {
		diag.Logf("vklayer", "init")
		theLayer = NewLayer()
	})
}

// dispatchKeyOf reads the dispatch pointer at the start of a dispatchable C
// handle, matching spec.md §4.2's keying rule.
func dispatchKeyOf(handle unsafe.Pointer) uintptr {
	return uintptr(C.dispatch_key(handle))
}

//export OBS_Negotiate
func OBS_Negotiate(nli *C.VkNegotiateLayerInterface) C.VkResult {
	if nli.loaderLayerInterfaceVersion >= 2 {
		nli.pfnGetInstanceProcAddr = C.PFN_vkGetInstanceProcAddr(C.OBS_GetInstanceProcAddr)
		nli.pfnGetDeviceProcAddr = C.PFN_vkGetDeviceProcAddr(C.OBS_GetDeviceProcAddr)
		nli.pfnGetPhysicalDeviceProcAddr = nil
	}
	const currentLoaderLayerInterfaceVersion = C.uint32_t(2)
	if nli.loaderLayerInterfaceVersion > currentLoaderLayerInterfaceVersion {
		nli.loaderLayerInterfaceVersion = currentLoaderLayerInterfaceVersion
	}
	initLayer()
	return C.VK_SUCCESS
}

//export OBS_CreateInstance
func OBS_CreateInstance(cinfo *C.VkInstanceCreateInfo, ac *C.VkAllocationCallbacks, pInst *C.VkInstance) C.VkResult {
	initLayer()

	lici := C.find_inst_link_info(cinfo)
	if lici == nil {
		return C.VK_ERROR_INITIALIZATION_FAILED
	}
	gpa := C.inst_link_gipa(lici)
	C.inst_link_advance(lici)

	var ai C.VkApplicationInfo
	C.bump_api_version(&ai, cinfo.pApplicationInfo)

	modified := *cinfo
	modified.pApplicationInfo = &ai

	create := func() (vk.Instance, vk.Result) {
		res := C.call_create_instance(gpa, &modified, ac, pInst)
		return vk.Instance(unsafe.Pointer(*pInst)), vk.Result(res)
	}
	retry := func() (vk.Instance, vk.Result) {
		res := C.call_create_instance(gpa, cinfo, ac, pInst)
		return vk.Instance(unsafe.Pointer(*pInst)), vk.Result(res)
	}
	resolve := func(vk.Instance) (InstanceFuncs, bool) {
		getAddr := func(name string) C.PFN_vkVoidFunction {
			cname := C.CString(name)
			defer C.free(unsafe.Pointer(cname))
			return gpa(*pInst, cname)
		}
		ok := true
		need := func(p C.PFN_vkVoidFunction, name string) {
			if p == nil {
				diag.Logf("vklayer", "could not get instance address for %s", name)
				ok = false
			}
		}
		destroyInstance := getAddr("vkDestroyInstance")
		queueFamilyProps := getAddr("vkGetPhysicalDeviceQueueFamilyProperties")
		memProps := getAddr("vkGetPhysicalDeviceMemoryProperties")
		need(destroyInstance, "vkDestroyInstance")
		need(queueFamilyProps, "vkGetPhysicalDeviceQueueFamilyProperties")
		need(memProps, "vkGetPhysicalDeviceMemoryProperties")

		funcs := InstanceFuncs{
			DestroyInstance: func(inst vk.Instance, _ *vk.AllocationCallbacks) {
				C.PFN_vkDestroyInstance(destroyInstance)(C.VkInstance(unsafe.Pointer(inst)), nil)
			},
			GetPhysicalDeviceQueueFamilyProperties: func(phys vk.PhysicalDevice, count *uint32, props []vk.QueueFamilyProperties) {
				var cprops *C.VkQueueFamilyProperties
				if len(props) > 0 {
					cprops = (*C.VkQueueFamilyProperties)(unsafe.Pointer(&props[0]))
				}
				C.PFN_vkGetPhysicalDeviceQueueFamilyProperties(queueFamilyProps)(
					C.VkPhysicalDevice(unsafe.Pointer(phys)),
					(*C.uint32_t)(unsafe.Pointer(count)),
					cprops)
			},
			GetPhysicalDeviceMemoryProperties: func(phys vk.PhysicalDevice) vk.PhysicalDeviceMemoryProperties {
				var props vk.PhysicalDeviceMemoryProperties
				C.PFN_vkGetPhysicalDeviceMemoryProperties(memProps)(
					C.VkPhysicalDevice(unsafe.Pointer(phys)),
					(*C.VkPhysicalDeviceMemoryProperties)(unsafe.Pointer(&props)))
				return props
			},
		}
		return funcs, ok
	}

	result := theLayer.HandleCreateInstance(create, retry, resolve)
	if result.State != nil {
		key := dispatchKeyOf(unsafe.Pointer(*pInst))
		theLayer.Regs.Instances.Add(key, result.State)
		instGIPATable.Add(key, func(inst C.VkInstance, name *C.char) C.PFN_vkVoidFunction {
			return gpa(inst, name)
		})
	}
	return C.VkResult(result.Result)
}

//export OBS_DestroyInstance
func OBS_DestroyInstance(instance C.VkInstance, ac *C.VkAllocationCallbacks) {
	key := dispatchKeyOf(unsafe.Pointer(instance))
	state, _ := theLayer.Regs.Instances.Lookup(key)
	theLayer.HandleDestroyInstance(key, state)
}

//export OBS_CreateDevice
func OBS_CreateDevice(phys C.VkPhysicalDevice, info *C.VkDeviceCreateInfo, ac *C.VkAllocationCallbacks, pDevice *C.VkDevice) C.VkResult {
	instKey := findOwningInstanceKey(phys)
	instState, _ := theLayer.Regs.Instances.Lookup(instKey)
	if instState == nil {
		return C.VK_ERROR_INITIALIZATION_FAILED
	}

	ldci := C.find_device_link_info(info)
	if ldci == nil {
		return C.VK_ERROR_INITIALIZATION_FAILED
	}
	gipa := C.device_link_gipa(ldci)
	gdpa := C.device_link_gdpa(ldci)
	C.device_link_advance(ldci)

	exts := cExtensionNames(info)
	merged := EnsureExtensions(exts)
	cMerged, freeMerged := toCStringArray(merged)
	defer freeMerged()

	modified := *info
	modified.enabledExtensionCount = C.uint32_t(len(merged))
	modified.ppEnabledExtensionNames = cMerged

	create := func() (vk.Device, vk.Result) {
		res := C.call_create_device(gipa, C.VkInstance(unsafe.Pointer(instState.Instance)), phys, &modified, ac, pDevice)
		return vk.Device(unsafe.Pointer(*pDevice)), vk.Result(res)
	}

	resolve := func(vk.Device) (DeviceFuncs, bool) {
		getAddr := func(name string) C.PFN_vkVoidFunction {
			cname := C.CString(name)
			defer C.free(unsafe.Pointer(cname))
			return gdpa(*pDevice, cname)
		}
		ok := true
		funcs := resolveDeviceFuncs(getAddr, &ok)
		return funcs, ok
	}

	queues := resolveQueues(info, phys, instState, pDevice, gdpa)

	result := theLayer.HandleCreateDevice(vk.PhysicalDevice(unsafe.Pointer(phys)), instState, create, resolve, queues)
	if result.State != nil {
		key := dispatchKeyOf(unsafe.Pointer(*pDevice))
		theLayer.Regs.Devices.Add(key, result.State)
		deviceGDPATable.Add(key, func(dev C.VkDevice, name *C.char) C.PFN_vkVoidFunction {
			return gdpa(dev, name)
		})
	}
	return C.VkResult(result.Result)
}

//export OBS_DestroyDevice
func OBS_DestroyDevice(device C.VkDevice, ac *C.VkAllocationCallbacks) {
	key := dispatchKeyOf(unsafe.Pointer(device))
	state, _ := theLayer.Regs.Devices.Lookup(key)
	theLayer.HandleDestroyDevice(key, state)
}

//export OBS_CreateSwapchainKHR
func OBS_CreateSwapchainKHR(device C.VkDevice, cinfo *C.VkSwapchainCreateInfoKHR, ac *C.VkAllocationCallbacks, pSC *C.VkSwapchainKHR) C.VkResult {
	key := dispatchKeyOf(unsafe.Pointer(device))
	dev, _ := theLayer.Regs.Devices.Lookup(key)
	if dev == nil {
		return C.VK_ERROR_DEVICE_LOST
	}

	vkInfo := (*vk.SwapchainCreateInfoKHR)(unsafe.Pointer(cinfo))

	withTransferSrc := func() (vk.Swapchain, vk.Result) {
		modified := *vkInfo
		modified.ImageUsage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
		return dev.Funcs.CreateSwapchainKHR(vk.Device(unsafe.Pointer(device)), &modified, nil)
	}
	original := func() (vk.Swapchain, vk.Result) {
		return dev.Funcs.CreateSwapchainKHR(vk.Device(unsafe.Pointer(device)), vkInfo, nil)
	}
	fetchImages := func(sc vk.Swapchain) ([]vk.Image, vk.Result) {
		var count uint32
		res := dev.Funcs.GetSwapchainImagesKHR(vk.Device(unsafe.Pointer(device)), sc, &count, nil)
		if res != vk.Success || count == 0 {
			return nil, res
		}
		images := make([]vk.Image, int(count))
		res = dev.Funcs.GetSwapchainImagesKHR(vk.Device(unsafe.Pointer(device)), sc, &count, images)
		return images, res
	}

	sc, res := theLayer.HandleCreateSwapchain(dev, withTransferSrc, original, fetchImages,
		uint32(cinfo.imageExtent.width), uint32(cinfo.imageExtent.height), vk.Format(cinfo.imageFormat))
	*pSC = C.VkSwapchainKHR(uintptr(sc))
	return C.VkResult(res)
}

//export OBS_DestroySwapchainKHR
func OBS_DestroySwapchainKHR(device C.VkDevice, sc C.VkSwapchainKHR, ac *C.VkAllocationCallbacks) {
	key := dispatchKeyOf(unsafe.Pointer(device))
	dev, _ := theLayer.Regs.Devices.Lookup(key)
	if dev == nil {
		return
	}
	theLayer.HandleDestroySwapchain(dev, uint64(uintptr(sc)), func() {
		dev.Funcs.DestroySwapchainKHR(vk.Device(unsafe.Pointer(device)), vk.Swapchain(uintptr(sc)), nil)
	})
}

//export OBS_QueuePresentKHR
func OBS_QueuePresentKHR(queue C.VkQueue, info *C.VkPresentInfoKHR) C.VkResult {
	devKey := dispatchKeyOf(unsafe.Pointer(queue))
	dev, _ := theLayer.Regs.Devices.Lookup(devKey)
	if dev == nil {
		return C.VK_ERROR_DEVICE_LOST
	}
	queueKey := dispatchKeyOf(unsafe.Pointer(queue))
	if q, ok := dev.Queue(queueKey); ok && info.swapchainCount > 0 {
		swapchains := unsafe.Slice(info.pSwapchains, int(info.swapchainCount))
		indices := unsafe.Slice(info.pImageIndices, int(info.swapchainCount))
		handle := uint64(uintptr(swapchains[0]))
		if sw, ok := dev.Swapchain(handle); ok {
			backbuffer := sw.Images[indices[0]]
			sendTexture := sendExportTexture(theLayer.Conn, sw)
			if err := theLayer.HandleQueuePresent(dev, q, sw, backbuffer, sendTexture); err != nil {
				diag.Logf("vklayer", "present capture: %v", err)
			}
		}
	}
	return C.VkResult(dev.Funcs.QueuePresentKHR(vk.Queue(unsafe.Pointer(queue)), (*vk.PresentInfoKHR)(unsafe.Pointer(info))))
}

//export OBS_GetDeviceProcAddr
func OBS_GetDeviceProcAddr(device C.VkDevice, pName *C.char) C.PFN_vkVoidFunction {
	name := C.GoString(pName)
	switch name {
	case "vkGetDeviceProcAddr":
		return C.PFN_vkVoidFunction(C.OBS_GetDeviceProcAddr)
	case "vkDestroyDevice":
		return C.PFN_vkVoidFunction(C.OBS_DestroyDevice)
	case "vkCreateSwapchainKHR":
		return C.PFN_vkVoidFunction(C.OBS_CreateSwapchainKHR)
	case "vkDestroySwapchainKHR":
		return C.PFN_vkVoidFunction(C.OBS_DestroySwapchainKHR)
	case "vkQueuePresentKHR":
		return C.PFN_vkVoidFunction(C.OBS_QueuePresentKHR)
	}

	key := dispatchKeyOf(unsafe.Pointer(device))
	dev, _ := theLayer.Regs.Devices.Lookup(key)
	if dev == nil || !dev.Valid {
		return nil
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	gdpa := deviceNextGDPA(dev)
	if gdpa == nil {
		return nil
	}
	return gdpa(device, cname)
}

//export OBS_GetInstanceProcAddr
func OBS_GetInstanceProcAddr(instance C.VkInstance, pName *C.char) C.PFN_vkVoidFunction {
	name := C.GoString(pName)
	switch name {
	case "vkGetInstanceProcAddr":
		return C.PFN_vkVoidFunction(C.OBS_GetInstanceProcAddr)
	case "vkCreateInstance":
		return C.PFN_vkVoidFunction(C.OBS_CreateInstance)
	case "vkDestroyInstance":
		return C.PFN_vkVoidFunction(C.OBS_DestroyInstance)
	case "vkGetDeviceProcAddr":
		return C.PFN_vkVoidFunction(C.OBS_GetDeviceProcAddr)
	case "vkCreateDevice":
		return C.PFN_vkVoidFunction(C.OBS_CreateDevice)
	case "vkDestroyDevice":
		return C.PFN_vkVoidFunction(C.OBS_DestroyDevice)
	}

	if instance == nil {
		return nil
	}
	key := dispatchKeyOf(unsafe.Pointer(instance))
	inst, _ := theLayer.Regs.Instances.Lookup(key)
	if inst == nil {
		return nil
	}
	gipa := instanceNextGIPA(inst)
	if gipa == nil {
		return nil
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return gipa(instance, cname)
}

// cExtensionNames copies a VkDeviceCreateInfo's enabled extension names into
// a Go string slice.
func cExtensionNames(info *C.VkDeviceCreateInfo) []string {
	n := int(info.enabledExtensionCount)
	if n == 0 {
		return nil
	}
	cstrs := unsafe.Slice(info.ppEnabledExtensionNames, n)
	out := make([]string, n)
	for i, s := range cstrs {
		out[i] = C.GoString(s)
	}
	return out
}

// toCStringArray builds a NUL-terminated C string array from names. The
// returned free func must be called once the array is no longer needed by
// the C call it was passed to.
func toCStringArray(names []string) (**C.char, func()) {
	arr := C.malloc(C.size_t(len(names)) * C.size_t(unsafe.Sizeof(uintptr(0))))
	slice := unsafe.Slice((**C.char)(arr), len(names))
	for i, n := range names {
		slice[i] = C.CString(n)
	}
	free := func() {
		for _, s := range slice {
			C.free(unsafe.Pointer(s))
		}
		C.free(arr)
	}
	return (**C.char)(arr), free
}

// findOwningInstanceKey returns the registry key for the instance that owns
// phys, the same dispatch-pointer-aliasing rule used for every other
// dispatchable handle (get_inst_data_by_physical_device in vklayer.c keys
// off GET_LDT(physicalDevice)).
func findOwningInstanceKey(phys C.VkPhysicalDevice) uintptr {
	return dispatchKeyOf(unsafe.Pointer(phys))
}

func instanceNextGIPA(inst *InstanceState) func(C.VkInstance, *C.char) C.PFN_vkVoidFunction {
	// Stashed as a closure over the C function pointer at CreateInstance time
	// would require storing a C.PFN_vkGetInstanceProcAddr in InstanceState,
	// which Go-only code (hooks.go, present.go) must not depend on for
	// testability. Instead the raw pointer lives behind this package-private
	// side table, keyed the same way as the registry.
	gipa, ok := instGIPATable.Lookup(dispatchKeyForInstance(inst))
	if !ok {
		return nil
	}
	return gipa
}

func deviceNextGDPA(dev *DeviceState) func(C.VkDevice, *C.char) C.PFN_vkVoidFunction {
	gdpa, ok := deviceGDPATable.Lookup(dispatchKeyForDevice(dev))
	if !ok {
		return nil
	}
	return gdpa
}

func dispatchKeyForInstance(inst *InstanceState) uintptr {
	return dispatchKeyOf(unsafe.Pointer(inst.Instance))
}

func dispatchKeyForDevice(dev *DeviceState) uintptr {
	return dispatchKeyOf(unsafe.Pointer(dev.Device))
}

var (
	instGIPATable   = newGIPATable()
	deviceGDPATable = newGDPATable()
)

func newGIPATable() *gipaTable { return &gipaTable{m: map[uintptr]func(C.VkInstance, *C.char) C.PFN_vkVoidFunction{}} }
func newGDPATable() *gdpaTable { return &gdpaTable{m: map[uintptr]func(C.VkDevice, *C.char) C.PFN_vkVoidFunction{}} }

type gipaTable struct {
	mu sync.Mutex
	m  map[uintptr]func(C.VkInstance, *C.char) C.PFN_vkVoidFunction
}

func (t *gipaTable) Lookup(key uintptr) (func(C.VkInstance, *C.char) C.PFN_vkVoidFunction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return v, ok
}

func (t *gipaTable) Add(key uintptr, v func(C.VkInstance, *C.char) C.PFN_vkVoidFunction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = v
}

type gdpaTable struct {
	mu sync.Mutex
	m  map[uintptr]func(C.VkDevice, *C.char) C.PFN_vkVoidFunction
}

func (t *gdpaTable) Lookup(key uintptr) (func(C.VkDevice, *C.char) C.PFN_vkVoidFunction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return v, ok
}

func (t *gdpaTable) Add(key uintptr, v func(C.VkDevice, *C.char) C.PFN_vkVoidFunction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = v
}

// resolveDeviceFuncs fetches every device-level function pointer the export
// engine and frame ring need, mirroring OBS_CreateDevice's GETADDR table.
func resolveDeviceFuncs(getAddr func(string) C.PFN_vkVoidFunction, ok *bool) DeviceFuncs {
	need := func(p C.PFN_vkVoidFunction, name string) {
		if p == nil {
			diag.Logf("vklayer", "could not get device address for %s", name)
			*ok = false
		}
	}

	destroyDevice := getAddr("vkDestroyDevice")
	need(destroyDevice, "vkDestroyDevice")
	allocMem := getAddr("vkAllocateMemory")
	need(allocMem, "vkAllocateMemory")
	freeMem := getAddr("vkFreeMemory")
	need(freeMem, "vkFreeMemory")
	bindMem2 := getAddr("vkBindImageMemory2")
	need(bindMem2, "vkBindImageMemory2")
	createImage := getAddr("vkCreateImage")
	need(createImage, "vkCreateImage")
	destroyImage := getAddr("vkDestroyImage")
	need(destroyImage, "vkDestroyImage")
	imgReqs2 := getAddr("vkGetImageMemoryRequirements2")
	need(imgReqs2, "vkGetImageMemoryRequirements2")
	imgSubLayout := getAddr("vkGetImageSubresourceLayout")
	need(imgSubLayout, "vkGetImageSubresourceLayout")
	getFdKHR := getAddr("vkGetMemoryFdKHR")
	need(getFdKHR, "vkGetMemoryFdKHR")
	resetPool := getAddr("vkResetCommandPool")
	need(resetPool, "vkResetCommandPool")
	beginCB := getAddr("vkBeginCommandBuffer")
	need(beginCB, "vkBeginCommandBuffer")
	endCB := getAddr("vkEndCommandBuffer")
	need(endCB, "vkEndCommandBuffer")
	cmdCopy := getAddr("vkCmdCopyImage")
	need(cmdCopy, "vkCmdCopyImage")
	cmdBarrier := getAddr("vkCmdPipelineBarrier")
	need(cmdBarrier, "vkCmdPipelineBarrier")
	queueSubmit := getAddr("vkQueueSubmit")
	need(queueSubmit, "vkQueueSubmit")
	createPool := getAddr("vkCreateCommandPool")
	need(createPool, "vkCreateCommandPool")
	destroyPool := getAddr("vkDestroyCommandPool")
	need(destroyPool, "vkDestroyCommandPool")
	allocCB := getAddr("vkAllocateCommandBuffers")
	need(allocCB, "vkAllocateCommandBuffers")
	createFence := getAddr("vkCreateFence")
	need(createFence, "vkCreateFence")
	destroyFence := getAddr("vkDestroyFence")
	need(destroyFence, "vkDestroyFence")
	waitFences := getAddr("vkWaitForFences")
	need(waitFences, "vkWaitForFences")
	resetFences := getAddr("vkResetFences")
	need(resetFences, "vkResetFences")
	createSwapchain := getAddr("vkCreateSwapchainKHR")
	need(createSwapchain, "vkCreateSwapchainKHR")
	destroySwapchain := getAddr("vkDestroySwapchainKHR")
	need(destroySwapchain, "vkDestroySwapchainKHR")
	getSwapchainImages := getAddr("vkGetSwapchainImagesKHR")
	need(getSwapchainImages, "vkGetSwapchainImagesKHR")
	queuePresent := getAddr("vkQueuePresentKHR")
	need(queuePresent, "vkQueuePresentKHR")

	return DeviceFuncs{
		CreateSwapchainKHR: func(device vk.Device, info *vk.SwapchainCreateInfoKHR, _ *vk.AllocationCallbacks) (vk.Swapchain, vk.Result) {
			var sc C.VkSwapchainKHR
			res := C.PFN_vkCreateSwapchainKHR(createSwapchain)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkSwapchainCreateInfoKHR)(unsafe.Pointer(info)), nil, &sc)
			return vk.Swapchain(uintptr(sc)), vk.Result(res)
		},
		DestroySwapchainKHR: func(device vk.Device, sc vk.Swapchain, _ *vk.AllocationCallbacks) {
			C.PFN_vkDestroySwapchainKHR(destroySwapchain)(C.VkDevice(unsafe.Pointer(device)), C.VkSwapchainKHR(uintptr(sc)), nil)
		},
		GetSwapchainImagesKHR: func(device vk.Device, sc vk.Swapchain, count *uint32, images []vk.Image) vk.Result {
			var pImages *C.VkImage
			if len(images) > 0 {
				pImages = (*C.VkImage)(unsafe.Pointer(&images[0]))
			}
			res := C.PFN_vkGetSwapchainImagesKHR(getSwapchainImages)(C.VkDevice(unsafe.Pointer(device)),
				C.VkSwapchainKHR(uintptr(sc)), (*C.uint32_t)(unsafe.Pointer(count)), pImages)
			return vk.Result(res)
		},
		QueuePresentKHR: func(queue vk.Queue, info *vk.PresentInfoKHR) vk.Result {
			res := C.PFN_vkQueuePresentKHR(queuePresent)(C.VkQueue(unsafe.Pointer(queue)),
				(*C.VkPresentInfoKHR)(unsafe.Pointer(info)))
			return vk.Result(res)
		},
		DestroyDevice: func(device vk.Device, _ *vk.AllocationCallbacks) {
			C.PFN_vkDestroyDevice(destroyDevice)(C.VkDevice(unsafe.Pointer(device)), nil)
		},
		AllocateMemory: func(device vk.Device, info *vk.MemoryAllocateInfo, _ *vk.AllocationCallbacks) (vk.DeviceMemory, vk.Result) {
			var mem C.VkDeviceMemory
			res := C.PFN_vkAllocateMemory(allocMem)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkMemoryAllocateInfo)(unsafe.Pointer(info)), nil, &mem)
			return vk.DeviceMemory(uintptr(mem)), vk.Result(res)
		},
		FreeMemory: func(device vk.Device, mem vk.DeviceMemory, _ *vk.AllocationCallbacks) {
			C.PFN_vkFreeMemory(freeMem)(C.VkDevice(unsafe.Pointer(device)), C.VkDeviceMemory(uintptr(mem)), nil)
		},
		BindImageMemory2: func(device vk.Device, image vk.Image, mem vk.DeviceMemory) vk.Result {
			bind := vk.BindImageMemoryInfo{
				SType:  vk.StructureTypeBindImageMemoryInfo,
				Image:  image,
				Memory: mem,
			}
			res := C.PFN_vkBindImageMemory2(bindMem2)(C.VkDevice(unsafe.Pointer(device)), 1,
				(*C.VkBindImageMemoryInfo)(unsafe.Pointer(&bind)))
			return vk.Result(res)
		},
		CreateImage: func(device vk.Device, info *vk.ImageCreateInfo, _ *vk.AllocationCallbacks) (vk.Image, vk.Result) {
			var image C.VkImage
			res := C.PFN_vkCreateImage(createImage)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkImageCreateInfo)(unsafe.Pointer(info)), nil, &image)
			return vk.Image(uintptr(image)), vk.Result(res)
		},
		DestroyImage: func(device vk.Device, image vk.Image, _ *vk.AllocationCallbacks) {
			C.PFN_vkDestroyImage(destroyImage)(C.VkDevice(unsafe.Pointer(device)), C.VkImage(uintptr(image)), nil)
		},
		GetImageMemoryRequirements2: func(device vk.Device, image vk.Image) (vk.MemoryRequirements, vk.MemoryDedicatedRequirements) {
			var dedicated vk.MemoryDedicatedRequirements
			dedicated.SType = vk.StructureTypeMemoryDedicatedRequirements
			var reqs2 vk.MemoryRequirements2
			reqs2.SType = vk.StructureTypeMemoryRequirements2
			reqs2.PNext = unsafe.Pointer(&dedicated)
			info := vk.ImageMemoryRequirementsInfo2{
				SType: vk.StructureTypeImageMemoryRequirementsInfo2,
				Image: image,
			}
			C.PFN_vkGetImageMemoryRequirements2(imgReqs2)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkImageMemoryRequirementsInfo2)(unsafe.Pointer(&info)),
				(*C.VkMemoryRequirements2)(unsafe.Pointer(&reqs2)))
			return reqs2.MemoryRequirements, dedicated
		},
		GetImageSubresourceLayout: func(device vk.Device, image vk.Image, sub *vk.ImageSubresource) vk.SubresourceLayout {
			var layout vk.SubresourceLayout
			C.PFN_vkGetImageSubresourceLayout(imgSubLayout)(C.VkDevice(unsafe.Pointer(device)),
				C.VkImage(uintptr(image)), (*C.VkImageSubresource)(unsafe.Pointer(sub)),
				(*C.VkSubresourceLayout)(unsafe.Pointer(&layout)))
			return layout
		},
		GetMemoryFdKHR: func(device vk.Device, mem vk.DeviceMemory) (int, vk.Result) {
			info := vk.MemoryGetFdInfoKHR{
				SType:      vk.StructureTypeMemoryGetFdInfoKhr,
				Memory:     mem,
				HandleType: vk.ExternalMemoryHandleTypeDmaBufBitExt,
			}
			var fd C.int
			res := C.PFN_vkGetMemoryFdKHR(getFdKHR)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkMemoryGetFdInfoKHR)(unsafe.Pointer(&info)), &fd)
			return int(fd), vk.Result(res)
		},
		ResetCommandPool: func(device vk.Device, pool vk.CommandPool) vk.Result {
			res := C.PFN_vkResetCommandPool(resetPool)(C.VkDevice(unsafe.Pointer(device)),
				C.VkCommandPool(uintptr(pool)), 0)
			return vk.Result(res)
		},
		BeginCommandBuffer: func(buf vk.CommandBuffer, info *vk.CommandBufferBeginInfo) vk.Result {
			res := C.PFN_vkBeginCommandBuffer(beginCB)(C.VkCommandBuffer(unsafe.Pointer(buf)),
				(*C.VkCommandBufferBeginInfo)(unsafe.Pointer(info)))
			return vk.Result(res)
		},
		EndCommandBuffer: func(buf vk.CommandBuffer) vk.Result {
			res := C.PFN_vkEndCommandBuffer(endCB)(C.VkCommandBuffer(unsafe.Pointer(buf)))
			return vk.Result(res)
		},
		CmdCopyImage: func(buf vk.CommandBuffer, src, dst vk.Image, region *vk.ImageCopy) {
			C.PFN_vkCmdCopyImage(cmdCopy)(C.VkCommandBuffer(unsafe.Pointer(buf)),
				C.VkImage(uintptr(src)), C.VK_IMAGE_LAYOUT_TRANSFER_SRC_OPTIMAL,
				C.VkImage(uintptr(dst)), C.VK_IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL,
				1, (*C.VkImageCopy)(unsafe.Pointer(region)))
		},
		CmdPipelineBarrier: func(buf vk.CommandBuffer, src, dst vk.PipelineStageFlags, barriers []vk.ImageMemoryBarrier) {
			var pBarriers *C.VkImageMemoryBarrier
			if len(barriers) > 0 {
				pBarriers = (*C.VkImageMemoryBarrier)(unsafe.Pointer(&barriers[0]))
			}
			C.PFN_vkCmdPipelineBarrier(cmdBarrier)(C.VkCommandBuffer(unsafe.Pointer(buf)),
				C.VkPipelineStageFlags(src), C.VkPipelineStageFlags(dst), 0,
				0, nil, 0, nil, C.uint32_t(len(barriers)), pBarriers)
		},
		QueueSubmit: func(queue vk.Queue, submit *vk.SubmitInfo, fence vk.Fence) vk.Result {
			res := C.PFN_vkQueueSubmit(queueSubmit)(C.VkQueue(unsafe.Pointer(queue)), 1,
				(*C.VkSubmitInfo)(unsafe.Pointer(submit)), C.VkFence(uintptr(fence)))
			return vk.Result(res)
		},
		CreateCommandPool: func(device vk.Device, family uint32, _ *vk.AllocationCallbacks) (vk.CommandPool, vk.Result) {
			info := vk.CommandPoolCreateInfo{
				SType:            vk.StructureTypeCommandPoolCreateInfo,
				QueueFamilyIndex: family,
			}
			var pool C.VkCommandPool
			res := C.PFN_vkCreateCommandPool(createPool)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkCommandPoolCreateInfo)(unsafe.Pointer(&info)), nil, &pool)
			return vk.CommandPool(uintptr(pool)), vk.Result(res)
		},
		DestroyCommandPool: func(device vk.Device, pool vk.CommandPool, _ *vk.AllocationCallbacks) {
			C.PFN_vkDestroyCommandPool(destroyPool)(C.VkDevice(unsafe.Pointer(device)), C.VkCommandPool(uintptr(pool)), nil)
		},
		AllocateCommandBuffers: func(device vk.Device, pool vk.CommandPool, count uint32) ([]vk.CommandBuffer, vk.Result) {
			info := vk.CommandBufferAllocateInfo{
				SType:              vk.StructureTypeCommandBufferAllocateInfo,
				CommandPool:        pool,
				Level:              vk.CommandBufferLevelPrimary,
				CommandBufferCount: count,
			}
			bufs := make([]vk.CommandBuffer, count)
			res := C.PFN_vkAllocateCommandBuffers(allocCB)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkCommandBufferAllocateInfo)(unsafe.Pointer(&info)),
				(*C.VkCommandBuffer)(unsafe.Pointer(&bufs[0])))
			return bufs, vk.Result(res)
		},
		CreateFence: func(device vk.Device, signaled bool, _ *vk.AllocationCallbacks) (vk.Fence, vk.Result) {
			var flags vk.FenceCreateFlags
			if signaled {
				flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
			}
			info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo, Flags: flags}
			var fence C.VkFence
			res := C.PFN_vkCreateFence(createFence)(C.VkDevice(unsafe.Pointer(device)),
				(*C.VkFenceCreateInfo)(unsafe.Pointer(&info)), nil, &fence)
			return vk.Fence(uintptr(fence)), vk.Result(res)
		},
		DestroyFence: func(device vk.Device, fence vk.Fence, _ *vk.AllocationCallbacks) {
			C.PFN_vkDestroyFence(destroyFence)(C.VkDevice(unsafe.Pointer(device)), C.VkFence(uintptr(fence)), nil)
		},
		WaitForFences: func(device vk.Device, fences []vk.Fence, waitAll bool) vk.Result {
			var all C.VkBool32
			if waitAll {
				all = 1
			}
			res := C.PFN_vkWaitForFences(waitFences)(C.VkDevice(unsafe.Pointer(device)),
				C.uint32_t(len(fences)), (*C.VkFence)(unsafe.Pointer(&fences[0])), all, C.UINT64_MAX)
			return vk.Result(res)
		},
		ResetFences: func(device vk.Device, fences []vk.Fence) vk.Result {
			res := C.PFN_vkResetFences(resetFences)(C.VkDevice(unsafe.Pointer(device)),
				C.uint32_t(len(fences)), (*C.VkFence)(unsafe.Pointer(&fences[0])))
			return vk.Result(res)
		},
	}
}

// resolveQueues enumerates queue-family properties and the requested
// (family, index) pairs from VkDeviceCreateInfo, mirroring
// OBS_CreateDevice's queue-enumeration loop.
func resolveQueues(info *C.VkDeviceCreateInfo, phys C.VkPhysicalDevice, instState *InstanceState, pDevice *C.VkDevice, gdpa C.PFN_vkGetDeviceProcAddr) []QueueFamilyQueue {
	var count C.uint32_t
	C.vkGetPhysicalDeviceQueueFamilyProperties(phys, &count, nil)
	props := make([]C.VkQueueFamilyProperties, int(count))
	if count > 0 {
		C.vkGetPhysicalDeviceQueueFamilyProperties(phys, &count, &props[0])
	}

	cname := C.CString("vkGetDeviceQueue")
	defer C.free(unsafe.Pointer(cname))
	getDeviceQueue := C.PFN_vkGetDeviceQueue(gdpa(*pDevice, cname))
	if getDeviceQueue == nil {
		return nil
	}

	const transferishBits = C.VK_QUEUE_GRAPHICS_BIT | C.VK_QUEUE_COMPUTE_BIT | C.VK_QUEUE_TRANSFER_BIT

	infos := unsafe.Slice(info.pQueueCreateInfos, int(info.queueCreateInfoCount))
	var out []QueueFamilyQueue
	for _, qi := range infos {
		family := uint32(qi.queueFamilyIndex)
		for idx := C.uint32_t(0); idx < qi.queueCount; idx++ {
			var queue C.VkQueue
			getDeviceQueue(*pDevice, C.uint32_t(family), idx, &queue)
			supports := (props[family].queueFlags & transferishBits) != 0
			out = append(out, QueueFamilyQueue{
				Queue:            vk.Queue(unsafe.Pointer(queue)),
				DispatchKey:      dispatchKeyOf(unsafe.Pointer(queue)),
				FamilyIndex:      family,
				SupportsTransfer: supports,
			})
		}
	}
	return out
}
