package vklayer

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"vkcapture/internal/diag"
)

// Layer is the process-wide singleton: object registries plus the producer
// socket. One-time init happens on the first Negotiate call (dispatch_linux.go),
// matching spec.md §4.1's "static flag ensures one-time init".
type Layer struct {
	Regs *Registries
	Conn *ConnectionState
}

// NewLayer constructs a Layer with empty registries and a disconnected
// producer socket.
func NewLayer() *Layer {
	return &Layer{
		Regs: NewRegistries(),
		Conn: NewConnectionState(),
	}
}

// CreateInstanceResult carries CreateInstance's Go-side outcome back to the
// cgo boundary, which owns writing *p_inst and returning the VkResult.
type CreateInstanceResult struct {
	Instance vk.Instance
	State    *InstanceState
	Result   vk.Result
}

// HandleCreateInstance implements spec.md §4.1's CreateInstance steps 3-4.
// Steps 1-2 (pNext chain walk, forcing apiVersion >= 1.2) happen in the cgo
// boundary before create/retry are built, since they require mutating the C
// VkInstanceCreateInfo in place.
//
// create attempts instance creation with the (possibly modified) arguments;
// retry re-attempts with the caller's original, unmodified arguments if
// create fails. resolve fetches the instance-level function pointers via the
// cached GetInstanceProcAddr once the instance exists.
func (l *Layer) HandleCreateInstance(
	create func() (vk.Instance, vk.Result),
	retry func() (vk.Instance, vk.Result),
	resolve func(vk.Instance) (InstanceFuncs, bool),
) CreateInstanceResult {
	inst, res := create()
	if res != vk.Success {
		inst, res = retry()
		if res != vk.Success {
			return CreateInstanceResult{Result: res}
		}
	}

	funcs, ok := resolve(inst)
	state := &InstanceState{Instance: inst, Funcs: funcs, Valid: ok}
	if !ok {
		diag.Logf("vklayer", "instance missing required function pointers, treating as pass-through")
	}
	return CreateInstanceResult{Instance: inst, State: state, Result: vk.Success}
}

// HandleDestroyInstance removes the instance's registry entry and invokes
// the cached next-layer destroy.
func (l *Layer) HandleDestroyInstance(key uintptr, state *InstanceState) {
	l.Regs.Instances.Remove(key)
	if state != nil && state.Funcs.DestroyInstance != nil {
		state.Funcs.DestroyInstance(state.Instance, nil)
	}
}

// Device extensions injected when missing, per spec.md §4.1 step 1
// and SPEC_FULL.md §4.1's dma-buf supplement.
const (
	extExternalMemoryFD  = "VK_KHR_external_memory_fd"
	extExternalMemoryDMA = "VK_EXT_external_memory_dma_buf"
)

// EnsureExtensions returns exts with whichever of extExternalMemoryFD and
// extExternalMemoryDMA is missing from it appended, leaving exts untouched if both are already present. The
// cgo boundary is responsible for re-marshalling the result back into the
// C-side ppEnabledExtensionNames array.
func EnsureExtensions(exts []string) []string {
	have := make(map[string]bool, len(exts))
	for _, e := range exts {
		have[e] = true
	}
	out := exts
	for _, want := range []string{extExternalMemoryFD, extExternalMemoryDMA} {
		if !have[want] {
			diag.Logf("vklayer", "injecting %s extension", want)
			out = append(out, want)
		}
	}
	return out
}

// CreateDeviceResult carries CreateDevice's Go-side outcome back to the cgo
// boundary.
type CreateDeviceResult struct {
	Device vk.Device
	State  *DeviceState
	Result vk.Result
}

// QueueFamilyQueue is one (familyIndex, queueIndex) -> resolved vk.Queue pair
// gathered by the cgo boundary via vkGetDeviceQueue before calling
// HandleCreateDevice; resolveQueues fetches vkGetDeviceQueue through the next
// layer's GetDeviceProcAddr itself.
type QueueFamilyQueue struct {
	Queue            vk.Queue
	DispatchKey      uintptr
	FamilyIndex      uint32
	SupportsTransfer bool
}

// HandleCreateDevice implements spec.md §4.1's CreateDevice steps 3-6 (steps
// 1-2, extension injection and the device-creation link-info chain walk,
// happen in the cgo boundary). Unlike HandleCreateInstance there is no retry:
// a failed create is returned as is. queues is pre-resolved by the caller per queueInfos (step 5); this
// function just records them.
func (l *Layer) HandleCreateDevice(
	phys vk.PhysicalDevice,
	inst *InstanceState,
	create func() (vk.Device, vk.Result),
	resolve func(vk.Device) (DeviceFuncs, bool),
	queues []QueueFamilyQueue,
) CreateDeviceResult {
	device, res := create()
	if res != vk.Success {
		return CreateDeviceResult{Result: res}
	}

	funcs, ok := resolve(device)
	if !ok {
		diag.Logf("vklayer", "device missing required function pointers, treating as pass-through")
		return CreateDeviceResult{Device: device, Result: vk.Success}
	}
	if !inst.Valid {
		diag.Logf("vklayer", "owning instance not valid, device treated as pass-through")
		return CreateDeviceResult{Device: device, Result: vk.Success}
	}

	state := NewDeviceState(device, phys, inst)
	state.Funcs = funcs
	for _, q := range queues {
		state.AddQueue(q.DispatchKey, &QueueState{
			Queue:            q.Queue,
			FamilyIndex:      q.FamilyIndex,
			SupportsTransfer: q.SupportsTransfer,
		})
	}
	state.Valid = true
	return CreateDeviceResult{Device: device, State: state, Result: vk.Success}
}

// HandleDestroyDevice drains every queue's frame ring (waiting out busy
// fences), frees the registry entry, and invokes the cached next-layer
// destroy. Grounded on OBS_DestroyDevice.
func (l *Layer) HandleDestroyDevice(key uintptr, state *DeviceState) {
	l.Regs.Devices.Remove(key)
	if state == nil {
		return
	}
	if state.Valid {
		state.WalkQueues(func(_ uintptr, q *QueueState) bool {
			destroyFrameRing(state, q)
			return true
		})
	}
	if state.Funcs.DestroyDevice != nil {
		state.Funcs.DestroyDevice(state.Device, nil)
	}
}

// destroyFrameRing waits out busy slots and frees every slot in a queue's
// frame ring, used on device destroy (vk_shtex_destroy_frame_objects).
func destroyFrameRing(dev *DeviceState, q *QueueState) {
	for _, slot := range q.Ring() {
		if slot.Fence != 0 {
			if slot.Busy {
				dev.Funcs.WaitForFences(dev.Device, []vk.Fence{slot.Fence}, true)
			}
			dev.Funcs.DestroyFence(dev.Device, slot.Fence, nil)
		}
		if slot.Pool != 0 {
			dev.Funcs.DestroyCommandPool(dev.Device, slot.Pool, nil)
		}
	}
	q.SetRing(nil)
}

// HandleCreateSwapchain implements spec.md §4.1's CreateSwapchainKHR: add
// TRANSFER_SRC to imageUsage, retry with original flags on failure, then
// record the swapchain's image array/extent/format.
func (l *Layer) HandleCreateSwapchain(
	dev *DeviceState,
	withTransferSrc func() (vk.Swapchain, vk.Result),
	original func() (vk.Swapchain, vk.Result),
	fetchImages func(vk.Swapchain) ([]vk.Image, vk.Result),
	width, height uint32,
	format vk.Format,
) (vk.Swapchain, vk.Result) {
	if !dev.Valid {
		return original()
	}

	sc, res := withTransferSrc()
	if res != vk.Success {
		return original()
	}

	images, res := fetchImages(sc)
	if res == vk.Success && len(images) > 0 {
		dev.AddSwapchain(uint64(sc), &SwapchainState{
			Swapchain:  sc,
			Width:      width,
			Height:     height,
			Format:     format,
			Images:     images,
			ImageCount: uint32(len(images)),
		})
	}
	return sc, vk.Success
}

// HandleDestroySwapchain implements OBS_DestroySwapchainKHR: tear down the
// export image if this was the current swapchain, then free the registry
// entry.
func (l *Layer) HandleDestroySwapchain(dev *DeviceState, handle uint64, destroy func()) {
	if dev.Valid {
		if sw, ok := dev.Swapchain(handle); ok {
			if dev.CurrentSwapchain() == sw {
				teardownCapture(dev, sw)
			}
			dev.RemoveSwapchain(handle)
		}
	}
	destroy()
}

// teardownCapture releases the live export image (if any), closes its fd,
// clears the state machine to idle, and clears the device's current-swapchain
// pointer. Grounded on vk_shtex_free.
func teardownCapture(dev *DeviceState, sw *SwapchainState) {
	if exp := sw.Export(); exp != nil {
		destroyExportImage(dev, exp)
		closeFD(exp.FD)
		sw.setExport(nil)
	}
	sw.setState(captureIdle)
	if dev.CurrentSwapchain() == sw {
		dev.SetCurrentSwapchain(nil)
	}
}

// HandleQueuePresent implements spec.md §4.3's per-frame capture logic,
// invoked from the QueuePresentKHR hook for the first presented swapchain
// only (spec.md: "the design captures only the first one").
func (l *Layer) HandleQueuePresent(dev *DeviceState, q *QueueState, sw *SwapchainState, backbuffer vk.Image, sendTexture func(*ExportImage) error) error {
	if !dev.Valid || !q.SupportsTransfer {
		return nil
	}

	if l.Conn.TickThrottle() {
		if l.Conn.FD() < 0 {
			tryConnect(l.Conn)
		} else if !probeAlive(l.Conn) {
			l.Conn.SetFD(-1)
			l.Conn.SetCapturing(false)
		}
	}

	connected := l.Conn.FD() >= 0

	switch {
	case sw.Captured() && !connected:
		teardownCapture(dev, sw)
		return nil
	case !sw.Captured() && connected && sw.Width > 0 && sw.Height > 0:
		if err := initCapture(dev, sw, sendTexture); err != nil {
			diag.Logf("vklayer", "capture init failed: %v", err)
			teardownCapture(dev, sw)
			return nil
		}
	case sw.Captured() && dev.CurrentSwapchain() != sw:
		teardownCapture(dev, sw)
		return nil
	}

	if !sw.Captured() {
		return nil
	}

	exp := sw.Export()
	if exp == nil {
		return nil
	}
	if err := recordAndSubmitCapture(dev, q, sw, exp, backbuffer); err != nil {
		return fmt.Errorf("vklayer: capture frame: %w", err)
	}
	return nil
}

// initCapture performs the IDLE->INIT->CAPTURING transition: create the
// export image, send its TextureInfo+fd to the broker, and mark the
// swapchain as the device's current one.
func initCapture(dev *DeviceState, sw *SwapchainState, sendTexture func(*ExportImage) error) error {
	sw.setState(captureInit)
	exp, err := createExportImage(dev, sw)
	if err != nil {
		sw.setState(captureIdle)
		return err
	}
	if err := sendTexture(exp); err != nil {
		destroyExportImage(dev, exp)
		closeFD(exp.FD)
		sw.setState(captureIdle)
		return fmt.Errorf("vklayer: send texture info: %w", err)
	}
	sw.setExport(exp)
	sw.setState(captureCapturing)
	dev.SetCurrentSwapchain(sw)
	return nil
}
