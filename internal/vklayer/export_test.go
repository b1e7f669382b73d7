package vklayer

import (
	"errors"
	"testing"

	vk "github.com/vulkan-go/vulkan"
)

var errSendFailed = errors.New("send failed")

func newTestDeviceWithExport() (*DeviceState, *fakeCounters) {
	dev, c := newTestDevice()
	dev.Funcs.CreateImage = func(vk.Device, *vk.ImageCreateInfo, *vk.AllocationCallbacks) (vk.Image, vk.Result) {
		return vk.Image(42), vk.Success
	}
	dev.Funcs.GetImageSubresourceLayout = func(vk.Device, vk.Image, *vk.ImageSubresource) vk.SubresourceLayout {
		return vk.SubresourceLayout{RowPitch: 7680, Offset: 0}
	}
	dev.Funcs.GetImageMemoryRequirements2 = func(vk.Device, vk.Image) (vk.MemoryRequirements, vk.MemoryDedicatedRequirements) {
		return vk.MemoryRequirements{Size: 1 << 20, MemoryTypeBits: 0b11}, vk.MemoryDedicatedRequirements{}
	}
	dev.Funcs.AllocateMemory = func(vk.Device, *vk.MemoryAllocateInfo, *vk.AllocationCallbacks) (vk.DeviceMemory, vk.Result) {
		return vk.DeviceMemory(7), vk.Success
	}
	dev.Funcs.BindImageMemory2 = func(vk.Device, vk.Image, vk.DeviceMemory) vk.Result {
		return vk.Success
	}
	dev.Funcs.GetMemoryFdKHR = func(vk.Device, vk.DeviceMemory) (int, vk.Result) {
		return 99, vk.Success
	}
	dev.Inst = &InstanceState{
		Valid: true,
		Funcs: InstanceFuncs{
			GetPhysicalDeviceMemoryProperties: func(vk.PhysicalDevice) vk.PhysicalDeviceMemoryProperties {
				var p vk.PhysicalDeviceMemoryProperties
				p.MemoryTypeCount = 2
				p.MemoryTypes[1].PropertyFlags = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
				return p
			},
		},
	}
	return dev, c
}

func TestCreateExportImageSucceeds(t *testing.T) {
	dev, _ := newTestDeviceWithExport()
	sw := &SwapchainState{Width: 1920, Height: 1080, Format: vk.FormatB8g8r8a8Unorm}

	exp, err := createExportImage(dev, sw)
	if err != nil {
		t.Fatalf("createExportImage: %v", err)
	}
	if exp.FD != 99 {
		t.Fatalf("got fd %d, want 99", exp.FD)
	}
	if exp.RowPitch != 7680 {
		t.Fatalf("got row pitch %d, want 7680", exp.RowPitch)
	}
}

func TestCreateExportImageFailsWithoutDeviceLocalMemory(t *testing.T) {
	dev, _ := newTestDeviceWithExport()
	dev.Inst.Funcs.GetPhysicalDeviceMemoryProperties = func(vk.PhysicalDevice) vk.PhysicalDeviceMemoryProperties {
		var p vk.PhysicalDeviceMemoryProperties
		p.MemoryTypeCount = 1
		return p // no DEVICE_LOCAL type at all
	}
	sw := &SwapchainState{Width: 1920, Height: 1080}

	_, err := createExportImage(dev, sw)
	if err == nil {
		t.Fatal("expected error when no device-local memory type is available")
	}
}

func TestInitCaptureSendsTextureAndTransitionsToCapturing(t *testing.T) {
	dev, _ := newTestDeviceWithExport()
	sw := &SwapchainState{Width: 1920, Height: 1080, Format: vk.FormatB8g8r8a8Unorm}

	var sent *ExportImage
	err := initCapture(dev, sw, func(e *ExportImage) error {
		sent = e
		return nil
	})
	if err != nil {
		t.Fatalf("initCapture: %v", err)
	}
	if sent == nil {
		t.Fatal("sendTexture was never called")
	}
	if sw.State() != captureCapturing {
		t.Fatalf("got state %v, want capturing", sw.State())
	}
	if dev.CurrentSwapchain() != sw {
		t.Fatal("current swapchain not set after successful init")
	}
}

func TestInitCaptureTearsDownOnSendFailure(t *testing.T) {
	dev, c := newTestDeviceWithExport()
	sw := &SwapchainState{Width: 1920, Height: 1080, Format: vk.FormatB8g8r8a8Unorm}

	err := initCapture(dev, sw, func(e *ExportImage) error {
		return errSendFailed
	})
	if err == nil {
		t.Fatal("expected error from failed sendTexture")
	}
	if sw.State() != captureIdle {
		t.Fatalf("got state %v, want idle after send failure", sw.State())
	}
	if c.imagesDestroyed != 1 || c.memFreed != 1 {
		t.Fatalf("got imagesDestroyed=%d memFreed=%d, want 1 each (partial state unwound)", c.imagesDestroyed, c.memFreed)
	}
}
