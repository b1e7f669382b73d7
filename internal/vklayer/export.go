package vklayer

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// memoryTypeDeviceLocalBit mirrors VK_MEMORY_PROPERTY_DEVICE_LOCAL_BIT.
const memoryTypeDeviceLocalBit = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

// pickMemoryType scans props for the lowest-indexed type allowed by
// typeBits that also has DEVICE_LOCAL set, matching vk_shtex_init_vulkan_tex's
// "first fit, not best fit" selection (export.go is grounded on
// original_source/src/vklayer.c's vk_shtex_init_vulkan_tex).
func pickMemoryType(props vk.PhysicalDeviceMemoryProperties, typeBits uint32) (uint32, bool) {
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		if vk.MemoryPropertyFlags(props.MemoryTypes[i].PropertyFlags)&memoryTypeDeviceLocalBit != 0 {
			return i, true
		}
	}
	return 0, false
}

// createExportImage performs the one-time, per-swapchain-generation export
// setup: create a LINEAR image sized to the swapchain extent, query its
// subresource layout, allocate dedicated device-local memory, bind it, and
// export a DMA-BUF fd. Grounded step-for-step on vk_shtex_init_vulkan_tex.
func createExportImage(dev *DeviceState, sw *SwapchainState) (*ExportImage, error) {
	funcs := &dev.Funcs

	imgInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    sw.Format,
		Extent: vk.Extent3D{
			Width:  sw.Width,
			Height: sw.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingLinear,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutGeneral,
	}
	image, res := funcs.CreateImage(dev.Device, &imgInfo, nil)
	if res != vk.Success {
		return nil, fmt.Errorf("vklayer: create export image: result %d", res)
	}

	sub := vk.ImageSubresource{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevel:   0,
		ArrayLayer: 0,
	}
	layout := funcs.GetImageSubresourceLayout(dev.Device, image, &sub)

	reqs, dedicated := funcs.GetImageMemoryRequirements2(dev.Device, image)
	_ = dedicated // dedicated.RequiresDedicatedAllocation is informational; we always dedicate below

	memProps := dev.Inst.Funcs.GetPhysicalDeviceMemoryProperties(dev.PhysDevice)
	typeIdx, ok := pickMemoryType(memProps, reqs.MemoryTypeBits)
	if !ok {
		funcs.DestroyImage(dev.Device, image, nil)
		return nil, fmt.Errorf("vklayer: no device-local memory type for export image")
	}

	dedicatedInfo := vk.MemoryDedicatedAllocateInfo{
		SType: vk.StructureTypeMemoryDedicatedAllocateInfo,
		Image: image,
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(&dedicatedInfo),
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIdx,
	}
	mem, res := funcs.AllocateMemory(dev.Device, &allocInfo, nil)
	if res != vk.Success {
		funcs.DestroyImage(dev.Device, image, nil)
		return nil, fmt.Errorf("vklayer: allocate export memory: result %d", res)
	}

	if res := funcs.BindImageMemory2(dev.Device, image, mem); res != vk.Success {
		funcs.FreeMemory(dev.Device, mem, nil)
		funcs.DestroyImage(dev.Device, image, nil)
		return nil, fmt.Errorf("vklayer: bind export image memory: result %d", res)
	}

	fd, res := funcs.GetMemoryFdKHR(dev.Device, mem)
	if res != vk.Success {
		funcs.FreeMemory(dev.Device, mem, nil)
		funcs.DestroyImage(dev.Device, image, nil)
		return nil, fmt.Errorf("vklayer: export memory fd: result %d", res)
	}

	return &ExportImage{
		Image:    image,
		Memory:   mem,
		FD:       fd,
		RowPitch: uint32(layout.RowPitch),
		Offset:   uint32(layout.Offset),
	}, nil
}

// destroyExportImage releases the export image's GPU resources. The fd
// itself is closed by the caller (producer.go owns fd lifetime once it has
// been handed to sendmsg, per invariant 1).
func destroyExportImage(dev *DeviceState, e *ExportImage) {
	if e == nil {
		return
	}
	funcs := &dev.Funcs
	funcs.DestroyImage(dev.Device, e.Image, nil)
	funcs.FreeMemory(dev.Device, e.Memory, nil)
}
