package vklayer

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"vkcapture/internal/diag"
)

// Pseudo queue-family indices from the Vulkan spec (VK_QUEUE_FAMILY_EXTERNAL,
// VK_QUEUE_FAMILY_IGNORED). Hardcoded rather than taken from the vk binding
// since the barrier semantics depend on these exact numeric values, not on
// whatever name the binding happens to export them under.
const (
	queueFamilyExternal = uint32(0xFFFFFFFE)
	queueFamilyIgnored  = uint32(0xFFFFFFFF)
)

// growRing (re)creates a queue's frame ring to match imageCount, destroying
// any existing slots first. Grounded on vk_shtex_create_frame_objects /
// vk_shtex_destroy_frame_objects.
func growRing(dev *DeviceState, q *QueueState, imageCount int) error {
	old := q.Ring()
	for _, slot := range old {
		if slot.Fence != 0 {
			dev.Funcs.WaitForFences(dev.Device, []vk.Fence{slot.Fence}, true)
			dev.Funcs.DestroyFence(dev.Device, slot.Fence, nil)
		}
		if slot.Pool != 0 {
			dev.Funcs.DestroyCommandPool(dev.Device, slot.Pool, nil)
		}
	}

	slots := make([]FrameSlot, imageCount)
	for i := range slots {
		pool, res := dev.Funcs.CreateCommandPool(dev.Device, q.FamilyIndex, nil)
		if res != vk.Success {
			return fmt.Errorf("vklayer: create command pool: result %d", res)
		}
		bufs, res := dev.Funcs.AllocateCommandBuffers(dev.Device, pool, 1)
		if res != vk.Success {
			return fmt.Errorf("vklayer: allocate command buffer: result %d", res)
		}
		fence, res := dev.Funcs.CreateFence(dev.Device, false, nil)
		if res != vk.Success {
			return fmt.Errorf("vklayer: create fence: result %d", res)
		}
		slots[i] = FrameSlot{Pool: pool, Buf: bufs[0], Fence: fence}
	}
	q.SetRing(slots)
	return nil
}

// recordAndSubmitCapture records and submits the copy of the presented
// swapchain backbuffer into the export image, steps a-g of spec.md §4.3's
// per-frame capture. backbuffer is the swapchain image selected by
// info.pImageIndices[0] (the design captures only the first presented
// swapchain).
func recordAndSubmitCapture(dev *DeviceState, q *QueueState, sw *SwapchainState, exp *ExportImage, backbuffer vk.Image) error {
	funcs := &dev.Funcs

	if q.RingLen() < int(sw.ImageCount) {
		if err := growRing(dev, q, int(sw.ImageCount)); err != nil {
			return err
		}
	}

	idx := sw.nextRingIndex(q.RingLen())
	slot := q.SlotAt(idx)

	if slot.Busy {
		funcs.WaitForFences(dev.Device, []vk.Fence{slot.Fence}, true)
		funcs.ResetFences(dev.Device, []vk.Fence{slot.Fence})
		slot.Busy = false
	}
	if res := funcs.ResetCommandPool(dev.Device, slot.Pool); res != vk.Success {
		return fmt.Errorf("vklayer: reset command pool: result %d", res)
	}

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := funcs.BeginCommandBuffer(slot.Buf, &beginInfo); res != vk.Success {
		return fmt.Errorf("vklayer: begin command buffer: result %d", res)
	}

	subRange := vk.ImageSubresourceRange{
		AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	toTransfer := []vk.ImageMemoryBarrier{
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       0,
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
			OldLayout:           vk.ImageLayoutPresentSrc,
			NewLayout:           vk.ImageLayoutTransferSrcOptimal,
			SrcQueueFamilyIndex: queueFamilyIgnored,
			DstQueueFamilyIndex: queueFamilyIgnored,
			Image:               backbuffer,
			SubresourceRange:    subRange,
		},
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       0,
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout:           vk.ImageLayoutGeneral,
			NewLayout:           vk.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: queueFamilyExternal,
			DstQueueFamilyIndex: q.FamilyIndex,
			Image:               exp.Image,
			SubresourceRange:    subRange,
		},
	}
	funcs.CmdPipelineBarrier(slot.Buf,
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		toTransfer)

	region := vk.ImageCopy{
		SrcSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		DstSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		Extent: vk.Extent3D{Width: sw.Width, Height: sw.Height, Depth: 1},
	}
	funcs.CmdCopyImage(slot.Buf, backbuffer, exp.Image, &region)

	back := []vk.ImageMemoryBarrier{
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
			DstAccessMask:       0,
			OldLayout:           vk.ImageLayoutTransferSrcOptimal,
			NewLayout:           vk.ImageLayoutPresentSrc,
			SrcQueueFamilyIndex: queueFamilyIgnored,
			DstQueueFamilyIndex: queueFamilyIgnored,
			Image:               backbuffer,
			SubresourceRange:    subRange,
		},
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask:       0,
			OldLayout:           vk.ImageLayoutTransferDstOptimal,
			NewLayout:           vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: q.FamilyIndex,
			DstQueueFamilyIndex: queueFamilyExternal,
			Image:               exp.Image,
			SubresourceRange:    subRange,
		},
	}
	funcs.CmdPipelineBarrier(slot.Buf,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		back)

	if res := funcs.EndCommandBuffer(slot.Buf); res != vk.Success {
		return fmt.Errorf("vklayer: end command buffer: result %d", res)
	}

	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{slot.Buf},
	}
	if res := funcs.QueueSubmit(q.Queue, &submit, slot.Fence); res != vk.Success {
		return fmt.Errorf("vklayer: queue submit: result %d", res)
	}
	slot.Busy = true
	q.SetSlotAt(idx, slot)
	diag.Debugf("vklayer", "submitted capture frame on slot %d", idx)
	return nil
}
