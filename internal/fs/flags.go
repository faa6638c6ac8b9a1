package fs

// OpenFlags mirrors the Linux open(2) flag bits the foreign-syscall
// translator hands through unmodified from a guest's registers (spec §4.8,
// §4.7): values match the Linux x86_64 ABI so internal/fsyscall can pass a
// guest's raw flags word straight through without translation.
type OpenFlags uint32

const (
	AccessModeMask OpenFlags = 0x3

	ORDONLY OpenFlags = 0x0
	OWRONLY OpenFlags = 0x1
	ORDWR   OpenFlags = 0x2

	OCREAT  OpenFlags = 0o100
	OEXCL   OpenFlags = 0o200
	OTRUNC  OpenFlags = 0o1000
	OAPPEND OpenFlags = 0o2000
)

// CanCreate reports whether the flags permit creating a missing file (spec
// §4.8: "file absent without CREATE ⇒ error").
func (f OpenFlags) CanCreate() bool { return f&OCREAT != 0 }

// Exclusive reports whether O_EXCL was set alongside O_CREAT.
func (f OpenFlags) Exclusive() bool { return f&OEXCL != 0 }

// Truncate reports whether the open should discard existing content.
func (f OpenFlags) Truncate() bool { return f&OTRUNC != 0 }

// Append reports whether writes are forced to the current end of file
// (spec §4.8: "append-flag forces write at len").
func (f OpenFlags) Append() bool { return f&OAPPEND != 0 }

// Writable reports whether the access mode permits writes.
func (f OpenFlags) Writable() bool {
	mode := f & AccessModeMask
	return mode == OWRONLY || mode == ORDWR
}

// Readable reports whether the access mode permits reads.
func (f OpenFlags) Readable() bool {
	mode := f & AccessModeMask
	return mode == ORDONLY || mode == ORDWR
}
