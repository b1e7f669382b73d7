// Package vklayer implements the producer half: Vulkan dispatch interposition,
// the export-image engine, and the rendezvous socket to the capture broker.
package vklayer

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"vkcapture/internal/registry"
)

// captureState is the export engine's per-swapchain state machine.
type captureState int

const (
	captureIdle captureState = iota
	captureInit
	captureCapturing
)

func (s captureState) String() string {
	switch s {
	case captureIdle:
		return "idle"
	case captureInit:
		return "init"
	case captureCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Next-layer function types, resolved once at CreateInstance/CreateDevice via
// the cached GetInstanceProcAddr/GetDeviceProcAddr and stashed in
// InstanceFuncs/DeviceFuncs. These mirror the C layer's GETADDR(x) table of
// raw function pointers; the cgo boundary (dispatch_linux.go) is what
// actually resolves and fills them in.
type (
	fnDestroyInstance                        func(instance vk.Instance, ac *vk.AllocationCallbacks)
	fnGetPhysicalDeviceQueueFamilyProperties func(phys vk.PhysicalDevice, count *uint32, props []vk.QueueFamilyProperties)
	fnGetPhysicalDeviceMemoryProperties      func(phys vk.PhysicalDevice) vk.PhysicalDeviceMemoryProperties

	fnDestroyDevice               func(device vk.Device, ac *vk.AllocationCallbacks)
	fnCreateSwapchainKHR          func(device vk.Device, info *vk.SwapchainCreateInfoKHR, ac *vk.AllocationCallbacks) (vk.Swapchain, vk.Result)
	fnDestroySwapchainKHR         func(device vk.Device, sc vk.Swapchain, ac *vk.AllocationCallbacks)
	fnQueuePresentKHR             func(queue vk.Queue, info *vk.PresentInfoKHR) vk.Result
	fnGetSwapchainImagesKHR       func(device vk.Device, sc vk.Swapchain, count *uint32, images []vk.Image) vk.Result
	fnCreateImage                 func(device vk.Device, info *vk.ImageCreateInfo, ac *vk.AllocationCallbacks) (vk.Image, vk.Result)
	fnDestroyImage                func(device vk.Device, image vk.Image, ac *vk.AllocationCallbacks)
	fnGetImageMemoryRequirements2 func(device vk.Device, image vk.Image) (vk.MemoryRequirements, vk.MemoryDedicatedRequirements)
	fnGetImageSubresourceLayout   func(device vk.Device, image vk.Image, sub *vk.ImageSubresource) vk.SubresourceLayout
	fnAllocateMemory              func(device vk.Device, info *vk.MemoryAllocateInfo, ac *vk.AllocationCallbacks) (vk.DeviceMemory, vk.Result)
	fnFreeMemory                  func(device vk.Device, mem vk.DeviceMemory, ac *vk.AllocationCallbacks)
	fnBindImageMemory2            func(device vk.Device, image vk.Image, mem vk.DeviceMemory) vk.Result
	fnGetMemoryFdKHR              func(device vk.Device, mem vk.DeviceMemory) (int, vk.Result)
	fnGetDeviceQueue              func(device vk.Device, family, index uint32) vk.Queue
	fnCreateCommandPool           func(device vk.Device, family uint32, ac *vk.AllocationCallbacks) (vk.CommandPool, vk.Result)
	fnDestroyCommandPool          func(device vk.Device, pool vk.CommandPool, ac *vk.AllocationCallbacks)
	fnResetCommandPool            func(device vk.Device, pool vk.CommandPool) vk.Result
	fnAllocateCommandBuffers      func(device vk.Device, pool vk.CommandPool, count uint32) ([]vk.CommandBuffer, vk.Result)
	fnBeginCommandBuffer          func(buf vk.CommandBuffer, info *vk.CommandBufferBeginInfo) vk.Result
	fnEndCommandBuffer            func(buf vk.CommandBuffer) vk.Result
	fnCmdPipelineBarrier          func(buf vk.CommandBuffer, srcStage, dstStage vk.PipelineStageFlags, barriers []vk.ImageMemoryBarrier)
	fnCmdCopyImage                func(buf vk.CommandBuffer, src vk.Image, dst vk.Image, region *vk.ImageCopy)
	fnQueueSubmit                 func(queue vk.Queue, submit *vk.SubmitInfo, fence vk.Fence) vk.Result
	fnCreateFence                 func(device vk.Device, signaled bool, ac *vk.AllocationCallbacks) (vk.Fence, vk.Result)
	fnDestroyFence                func(device vk.Device, fence vk.Fence, ac *vk.AllocationCallbacks)
	fnWaitForFences               func(device vk.Device, fences []vk.Fence, waitAll bool) vk.Result
	fnResetFences                 func(device vk.Device, fences []vk.Fence) vk.Result
)

// InstanceFuncs holds the next-layer instance-level entry points cached at
// CreateInstance time.
type InstanceFuncs struct {
	DestroyInstance                        fnDestroyInstance
	GetPhysicalDeviceQueueFamilyProperties fnGetPhysicalDeviceQueueFamilyProperties
	GetPhysicalDeviceMemoryProperties      fnGetPhysicalDeviceMemoryProperties
}

// InstanceState is the layer's per-VkInstance bookkeeping, keyed by the
// instance's dispatch pointer.
type InstanceState struct {
	Instance vk.Instance
	Funcs    InstanceFuncs
	Valid    bool
}

// DeviceFuncs holds the next-layer device-level entry points cached at
// CreateDevice time.
type DeviceFuncs struct {
	DestroyDevice               fnDestroyDevice
	CreateSwapchainKHR          fnCreateSwapchainKHR
	DestroySwapchainKHR         fnDestroySwapchainKHR
	QueuePresentKHR             fnQueuePresentKHR
	GetSwapchainImagesKHR       fnGetSwapchainImagesKHR
	CreateImage                 fnCreateImage
	DestroyImage                fnDestroyImage
	GetImageMemoryRequirements2 fnGetImageMemoryRequirements2
	GetImageSubresourceLayout   fnGetImageSubresourceLayout
	AllocateMemory              fnAllocateMemory
	FreeMemory                  fnFreeMemory
	BindImageMemory2            fnBindImageMemory2
	GetMemoryFdKHR              fnGetMemoryFdKHR
	GetDeviceQueue              fnGetDeviceQueue
	CreateCommandPool           fnCreateCommandPool
	DestroyCommandPool          fnDestroyCommandPool
	ResetCommandPool            fnResetCommandPool
	AllocateCommandBuffers      fnAllocateCommandBuffers
	BeginCommandBuffer          fnBeginCommandBuffer
	EndCommandBuffer            fnEndCommandBuffer
	CmdPipelineBarrier          fnCmdPipelineBarrier
	CmdCopyImage                fnCmdCopyImage
	QueueSubmit                 fnQueueSubmit
	CreateFence                 fnCreateFence
	DestroyFence                fnDestroyFence
	WaitForFences               fnWaitForFences
	ResetFences                 fnResetFences
}

// DeviceState is the layer's per-VkDevice bookkeeping.
type DeviceState struct {
	Device     vk.Device
	PhysDevice vk.PhysicalDevice
	Funcs      DeviceFuncs
	Inst       *InstanceState
	Valid      bool

	mu      sync.Mutex
	queues  *registry.Store[uintptr, *QueueState]
	swaps   *registry.Store[uint64, *SwapchainState]
	curSwap *SwapchainState
}

// NewDeviceState allocates the per-device registries.
func NewDeviceState(device vk.Device, phys vk.PhysicalDevice, inst *InstanceState) *DeviceState {
	return &DeviceState{
		Device:     device,
		PhysDevice: phys,
		Inst:       inst,
		queues:     registry.New[uintptr, *QueueState](),
		swaps:      registry.New[uint64, *SwapchainState](),
	}
}

// AddQueue registers a queue under its dispatch-pointer key.
func (d *DeviceState) AddQueue(key uintptr, q *QueueState) { d.queues.Add(key, q) }

// Queue looks up a previously registered queue.
func (d *DeviceState) Queue(key uintptr) (*QueueState, bool) { return d.queues.Lookup(key) }

// WalkQueues visits every registered queue.
func (d *DeviceState) WalkQueues(fn func(uintptr, *QueueState) bool) { d.queues.Walk(fn) }

// AddSwapchain registers a swapchain under its raw handle value.
func (d *DeviceState) AddSwapchain(handle uint64, s *SwapchainState) { d.swaps.Add(handle, s) }

// Swapchain looks up a previously registered swapchain.
func (d *DeviceState) Swapchain(handle uint64) (*SwapchainState, bool) { return d.swaps.Lookup(handle) }

// RemoveSwapchain deletes a swapchain's registry entry.
func (d *DeviceState) RemoveSwapchain(handle uint64) { d.swaps.Remove(handle) }

// CurrentSwapchain returns the swapchain currently being captured, if any.
func (d *DeviceState) CurrentSwapchain() *SwapchainState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curSwap
}

// SetCurrentSwapchain records which swapchain owns the live export image.
// Passing nil clears it (invariant 4: non-nil iff capturing and the
// export image is live).
func (d *DeviceState) SetCurrentSwapchain(s *SwapchainState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.curSwap = s
}

// QueueState is the layer's per-VkQueue bookkeeping.
type QueueState struct {
	Queue            vk.Queue
	FamilyIndex      uint32
	SupportsTransfer bool

	mu   sync.Mutex
	ring []FrameSlot
}

// FrameSlot is one command-pool/command-buffer/fence triple in a queue's
// frame ring. The ring length tracks the swapchain's image count.
type FrameSlot struct {
	Pool  vk.CommandPool
	Buf   vk.CommandBuffer
	Fence vk.Fence
	Busy  bool
}

// RingLen returns the queue's current frame-ring length.
func (q *QueueState) RingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring)
}

// Ring returns a copy of the current slot slice for inspection, and exists
// mainly so tests can assert on ring shape without racing the real device.
func (q *QueueState) Ring() []FrameSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FrameSlot, len(q.ring))
	copy(out, q.ring)
	return out
}

// SetRing replaces the frame ring wholesale; used after growth/recreation.
func (q *QueueState) SetRing(slots []FrameSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring = slots
}

// SlotAt returns slot i's current value while holding the queue's lock.
func (q *QueueState) SlotAt(i int) FrameSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring[i]
}

// SetSlotAt writes back slot i after mutation.
func (q *QueueState) SetSlotAt(i int, slot FrameSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring[i] = slot
}

// ExportImage is the auxiliary DMA-BUF-exportable image plus the metadata
// derived from it, valid only while a swapchain is in captureCapturing.
type ExportImage struct {
	Image    vk.Image
	Memory   vk.DeviceMemory
	FD       int // owned by the layer; kept after sending, closed by teardownCapture
	RowPitch uint32
	Offset   uint32
}

// SwapchainState is the layer's per-VkSwapchainKHR bookkeeping.
type SwapchainState struct {
	Swapchain  vk.Swapchain
	Width      uint32
	Height     uint32
	Format     vk.Format
	Images     []vk.Image
	ImageCount uint32

	mu      sync.Mutex
	state   captureState
	export  *ExportImage
	ringIdx int
}

// State returns the swapchain's current capture state.
func (s *SwapchainState) State() captureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the state machine. Unexported: callers go through the
// export engine's lifecycle methods so transitions stay centrally grounded.
func (s *SwapchainState) setState(next captureState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

// Export returns the live export image, or nil if not capturing.
func (s *SwapchainState) Export() *ExportImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.export
}

func (s *SwapchainState) setExport(e *ExportImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.export = e
}

// Captured reports invariant 4's "captured" flag: true iff an export image
// is live and attached.
func (s *SwapchainState) Captured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == captureCapturing && s.export != nil
}

// nextRingIndex advances and returns the ring index to use for this present.
func (s *SwapchainState) nextRingIndex(ringLen int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringIdx = (s.ringIdx + 1) % ringLen
	return s.ringIdx
}

// ConnectionState is the process-singleton producer socket state described
// in spec.md §3/§4.4.
type ConnectionState struct {
	mu        sync.Mutex
	fd        int // -1 when disconnected
	capturing bool
	polls     uint64 // presents observed, for the 1-in-60 throttle
}

// NewConnectionState returns a disconnected ConnectionState.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{fd: -1}
}

// FD returns the current socket fd, or -1 if disconnected.
func (c *ConnectionState) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// SetFD installs a new socket fd (or -1 to mark disconnected).
func (c *ConnectionState) SetFD(fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fd = fd
}

// Capturing reports whether the producer believes it is actively capturing.
func (c *ConnectionState) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// SetCapturing updates the capturing flag.
func (c *ConnectionState) SetCapturing(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = v
}

// TickThrottle advances the present counter and reports whether this call
// should attempt a reconnect probe (one in every 60 presents, per spec.md §4.4).
func (c *ConnectionState) TickThrottle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	return c.polls%60 == 1
}

// Registries bundles the layer's process-wide object stores, one per
// dispatchable-handle class, keyed by the handle's dispatch pointer.
type Registries struct {
	Instances *registry.Store[uintptr, *InstanceState]
	Devices   *registry.Store[uintptr, *DeviceState]
}

// NewRegistries constructs empty, ready-to-use registries.
func NewRegistries() *Registries {
	return &Registries{
		Instances: registry.New[uintptr, *InstanceState](),
		Devices:   registry.New[uintptr, *DeviceState](),
	}
}
