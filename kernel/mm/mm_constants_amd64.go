package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// pageIndexBits is the number of page number bits consumed by each of
	// the four paging levels.
	pageIndexBits = uintptr(9)

	// pageIndexMask extracts a single page table index from a page number.
	pageIndexMask = uintptr(1<<pageIndexBits) - 1

	// The amd64 MMU implements 48-bit virtual addresses; bits 48-63 must
	// replicate bit 47. Addresses in the hole between the two canonical
	// halves fault when accessed.
	canonicalLowerHalfEnd   = uintptr(0x0000800000000000)
	canonicalUpperHalfStart = uintptr(0xffff800000000000)
)
