package storage

// Multipart sizing limits. The defaults follow the S3 service limits and
// apply uniformly across backends so the client protocol stays identical.
const (
	// DefaultPartSize is 5 MiB.
	DefaultPartSize = int64(5 << 20)
	// MinPartSize is the smallest part a backend accepts, 5 MiB.
	MinPartSize = int64(5 << 20)
	// MaxPartSize is 5 GiB.
	MaxPartSize = int64(5 << 30)
	// MaxParts is the per-upload part budget.
	MaxParts = 10000
	// MaxFileSize is 5 TiB.
	MaxFileSize = int64(5 << 40)
)

// EffectivePartSize computes the part size for a file: the requested size
// when given, otherwise the default, raised so the upload fits into
// MaxParts and clamped to [MinPartSize, MaxPartSize].
func EffectivePartSize(fileSize, requested int64) int64 {
	size := requested
	if size <= 0 {
		size = DefaultPartSize
	}
	if fileSize > 0 {
		needed := (fileSize + MaxParts - 1) / MaxParts
		if needed > size {
			size = needed
		}
	}
	if size < MinPartSize {
		size = MinPartSize
	}
	if size > MaxPartSize {
		size = MaxPartSize
	}
	return size
}

// TotalParts returns the number of parts an upload of fileSize needs.
func TotalParts(fileSize, partSize int64) int {
	if fileSize <= 0 || partSize <= 0 {
		return 1
	}
	n := (fileSize + partSize - 1) / partSize
	if n < 1 {
		n = 1
	}
	return int(n)
}
