//go:build linux

package broker

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"vkcapture/internal/wire"
)

// VulkanImportFuncs are the device-level entry points needed to import a
// dma-buf as a sampled GPU image. The embedding host resolves these the same
// way internal/vklayer resolves its own DeviceFuncs: this package never
// touches libvulkan.so directly, it only calls through pointers the host
// already owns for its VkDevice.
type VulkanImportFuncs struct {
	CreateImage                func(*vk.ImageCreateInfo) (vk.Image, vk.Result)
	GetImageMemoryRequirements2 func(vk.Image) vk.MemoryRequirements
	AllocateMemory              func(*vk.MemoryAllocateInfo) (vk.DeviceMemory, vk.Result)
	BindImageMemory2            func(vk.Image, vk.DeviceMemory) vk.Result
	DestroyImage                func(vk.Image)
	FreeMemory                  func(vk.DeviceMemory)
	// MemoryTypeIndex picks a memory type index satisfying typeBits, the
	// host-side counterpart of vklayer's pickMemoryType.
	MemoryTypeIndex func(typeBits uint32) (uint32, bool)
}

// VulkanImporter implements TextureImporter against
// github.com/vulkan-go/vulkan, grounded on vk_shtex_init_vulkan_tex's
// import-side mirror: create a LINEAR image at the producer's geometry,
// import the dma-buf as its backing memory, bind. Only the single-plane,
// no-explicit-modifier case is handled: this producer never sends more
// than one plane or a DRM format modifier (see buildTextureInfo).
type VulkanImporter struct {
	Funcs VulkanImportFuncs
}

func NewVulkanImporter(funcs VulkanImportFuncs) *VulkanImporter {
	return &VulkanImporter{Funcs: funcs}
}

func (v *VulkanImporter) Import(ti wire.TextureInfo, fds [maxBufFDs]int) (*ImportedTexture, error) {
	if ti.NFD != 1 {
		return nil, fmt.Errorf("broker: import: nfd %d unsupported, only single-plane import is implemented", ti.NFD)
	}
	if ti.Modifier != wire.DRMFormatModInvalid {
		return nil, fmt.Errorf("broker: import: explicit DRM format modifier 0x%x unsupported", ti.Modifier)
	}

	extInfo := vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBitExt),
	}
	format := vk.FormatB8g8r8a8Unorm
	if ti.Format != 0 {
		format = vk.Format(ti.Format)
	}
	imgInfo := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		PNext:         unsafe.Pointer(&extInfo),
		ImageType:     vk.ImageType2d,
		Format:        format,
		Extent:        vk.Extent3D{Width: ti.Width, Height: ti.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingLinear,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	image, res := v.Funcs.CreateImage(&imgInfo)
	if res != vk.Success {
		return nil, fmt.Errorf("broker: import create image: result %d", res)
	}

	reqs := v.Funcs.GetImageMemoryRequirements2(image)
	typeIdx, ok := v.Funcs.MemoryTypeIndex(reqs.MemoryTypeBits)
	if !ok {
		v.Funcs.DestroyImage(image)
		return nil, fmt.Errorf("broker: import: no memory type for dma-buf")
	}

	importInfo := vk.ImportMemoryFdInfoKHR{
		SType:      vk.StructureTypeImportMemoryFdInfoKhr,
		HandleType: vk.ExternalMemoryHandleTypeDmaBufBitExt,
		Fd:         int32(fds[0]),
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(&importInfo),
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIdx,
	}
	mem, res := v.Funcs.AllocateMemory(&allocInfo)
	if res != vk.Success {
		v.Funcs.DestroyImage(image)
		return nil, fmt.Errorf("broker: import allocate memory: result %d", res)
	}

	if res := v.Funcs.BindImageMemory2(image, mem); res != vk.Success {
		v.Funcs.FreeMemory(mem)
		v.Funcs.DestroyImage(image)
		return nil, fmt.Errorf("broker: import bind memory: result %d", res)
	}

	return &ImportedTexture{Image: uintptr(image), Memory: uintptr(mem)}, nil
}

func (v *VulkanImporter) Destroy(t *ImportedTexture) {
	if t == nil {
		return
	}
	v.Funcs.DestroyImage(vk.Image(t.Image))
	v.Funcs.FreeMemory(vk.DeviceMemory(t.Memory))
}
