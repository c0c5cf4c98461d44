package msixtype

// Layout constants fixed by the package format.
const (
	// BlockSize is the plaintext length of every block except a file's
	// final block.
	BlockSize = 64 << 10

	// SectorSize is the cipher sector length; encrypted block data is
	// zero-padded to a sector boundary before encryption.
	SectorSize = 512

	// SectorsPerBlock is the number of cipher sectors a block index spans.
	SectorsPerBlock = BlockSize / SectorSize
)

// AlignToSector rounds n up to the next sector boundary. n must be > 0.
func AlignToSector(n int) int {
	return ((n-1)/SectorSize + 1) * SectorSize
}
