// Package flash maps firmware slots and pages onto the two flash devices of
// the board: internal program flash, which holds the loader followed by the
// execution region, and external block storage, which is split into
// fixed-size staging slots.
package flash

import "fmt"

// Layout describes both devices. Internal addresses are absolute bus
// addresses; external addresses are byte offsets into the device.
type Layout struct {
	FlashBase   uint32 // first address of internal flash
	PageSize    int    // erase unit of internal flash
	PageCount   int    // pages of internal flash
	LoaderPages int    // pages reserved for the loader ahead of the execution region
	SlotSize    int    // bytes per external slot
	SlotCount   int    // external slots
}

// DefaultLayout matches a 256 KiB part with 2 KiB pages, a 20 KiB loader and
// eleven 64 KiB slots in external NOR flash.
func DefaultLayout() Layout {
	return Layout{
		FlashBase:   0x08000000,
		PageSize:    2048,
		PageCount:   128,
		LoaderPages: 10,
		SlotSize:    64 * 1024,
		SlotCount:   11,
	}
}

// Validate checks the layout for internal consistency.
func (l Layout) Validate() error {
	switch {
	case l.PageSize <= 0 || l.PageSize%HalfwordSize != 0:
		return fmt.Errorf("page size %d must be a positive multiple of %d", l.PageSize, HalfwordSize)
	case l.PageCount <= 0:
		return fmt.Errorf("page count %d must be positive", l.PageCount)
	case l.LoaderPages < 0 || l.LoaderPages >= l.PageCount:
		return fmt.Errorf("loader pages %d must be within 0-%d", l.LoaderPages, l.PageCount-1)
	case l.SlotCount <= 0:
		return fmt.Errorf("slot count %d must be positive", l.SlotCount)
	case l.SlotSize <= 0 || l.SlotSize%l.PageSize != 0:
		return fmt.Errorf("slot size %d must be a positive multiple of page size %d", l.SlotSize, l.PageSize)
	case uint64(l.FlashBase)+uint64(l.PageCount)*uint64(l.PageSize) > 1<<32:
		return fmt.Errorf("internal flash runs past the 32-bit address space")
	}
	return nil
}

// FlashEnd returns the first address after internal flash.
func (l Layout) FlashEnd() uint32 {
	return l.FlashBase + uint32(l.PageCount*l.PageSize)
}

// AppStart returns the first address of the execution region.
func (l Layout) AppStart() uint32 {
	return l.FlashBase + uint32(l.LoaderPages*l.PageSize)
}

// AppPages returns the number of pages in the execution region.
func (l Layout) AppPages() int {
	return l.PageCount - l.LoaderPages
}

// AppSize returns the execution region size in bytes.
func (l Layout) AppSize() int {
	return l.AppPages() * l.PageSize
}

// ExternalSize returns the bytes of external storage covered by all slots.
func (l Layout) ExternalSize() int64 {
	return int64(l.SlotCount) * int64(l.SlotSize)
}

// AppAddress returns the execution-region address of page pageIndex,
// checking that length bytes from there stay inside the region.
func (l Layout) AppAddress(pageIndex, length int) (uint32, error) {
	if pageIndex < 0 || length < 0 {
		return 0, &RangeError{Region: "execution region", Offset: int64(pageIndex) * int64(l.PageSize), Length: length, Limit: int64(l.AppSize())}
	}
	off := int64(pageIndex) * int64(l.PageSize)
	if off+int64(length) > int64(l.AppSize()) {
		return 0, &RangeError{Region: "execution region", Offset: off, Length: length, Limit: int64(l.AppSize())}
	}
	return l.AppStart() + uint32(off), nil
}

// SlotOffset returns the external offset of page pageIndex in slot,
// checking that length bytes from there stay inside the slot.
func (l Layout) SlotOffset(slot, pageIndex, length int) (int64, error) {
	if slot < 0 || slot >= l.SlotCount {
		return 0, &RangeError{Region: fmt.Sprintf("slot %d", slot), Limit: int64(l.SlotCount), Slot: true}
	}
	off := int64(pageIndex) * int64(l.PageSize)
	if pageIndex < 0 || length < 0 || off+int64(length) > int64(l.SlotSize) {
		return 0, &RangeError{Region: fmt.Sprintf("slot %d", slot), Offset: off, Length: length, Limit: int64(l.SlotSize)}
	}
	return int64(slot)*int64(l.SlotSize) + off, nil
}

// PageSpan returns how many full pages and trailing bytes make up length.
func (l Layout) PageSpan(length int) (full, remainder int) {
	return length / l.PageSize, length % l.PageSize
}
