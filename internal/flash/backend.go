package flash

// Geometry shared by every supported chip.
const (
	// SectorSize is the erase unit.
	SectorSize = 4096

	// WordSize is the read unit of controllers with word-wide access.
	WordSize = 4

	// PageSize is the program unit of SPI NOR flash.
	PageSize = 256
)

// Backend drives one flash medium. The Device range checks every call before
// it reaches a Backend, so addresses are always inside the medium.
type Backend interface {
	// ReadWords reads len(p) bytes at addr. Both are multiples of WordSize.
	ReadWords(addr uint32, p []byte) (int, error)

	// Program writes p at addr. p never crosses a ProgramUnit boundary.
	Program(addr uint32, p []byte) (int, error)

	// EraseSector erases the sector starting at addr.
	EraseSector(addr uint32) error

	// ReadID returns the JEDEC identifier.
	ReadID() (uint32, error)

	// ProgramUnit is the size of the backend's scratch buffer and the
	// granularity of read-modify-write. It is a power of two.
	ProgramUnit() uint32
}

// SFDPReader is implemented by backends that can read the SFDP area.
type SFDPReader interface {
	SFDPReadAt(offset uint32, out []byte) error
}

// Sizer is implemented by backends whose size is known without probing.
type Sizer interface {
	Size() (uint32, error)
}

// AddressModeSetter is implemented by backends that switch to 4-byte
// addressing for chips above 16 MiB.
type AddressModeSetter interface {
	SetAddressMode(mode AddressMode)
}

// Closer is implemented by backends holding an open handle.
type Closer interface {
	Close() error
}

// AddressMode is the number of address bytes sent with a command.
type AddressMode int

const (
	Address3Byte AddressMode = 3
	Address4Byte AddressMode = 4
)

func (m AddressMode) String() string {
	if m == Address4Byte {
		return "4-byte"
	}
	return "3-byte"
}

// Info describes the chip behind a Device.
type Info struct {
	ID          uint32      `json:"id"`
	Size        uint32      `json:"size"`
	AddressMode AddressMode `json:"addressMode"`
	SizeSource  string      `json:"sizeSource"`
}
