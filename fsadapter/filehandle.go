package fsadapter

// fileHandle is the fs.FileHandle value threaded back through
// Read/Write/Release/Allocate/Lseek/Getlk/Setlk/Setlkw. It wraps the
// backend file handle id Txn.Open allocates per spec.md §4.7.
type fileHandle struct {
	fh uint64
}
