package nestor

// Partitioner selects the partition identifier a document is appended to,
// given the document and the sequence number it is about to receive. The
// default partitions everything into a single file (empty id).
type Partitioner func(doc any, number uint32) string

// defaultPartitioner puts every document in one partition whose
// identifier is the empty string, i.e. a single file {storageFile}.
func defaultPartitioner(doc any, number uint32) string { return "" }

// Config holds Storage construction options. Zero values are defaulted
// in Open.
type Config struct {
	// DataDirectory is the base directory for partition files. Defaults
	// to the current directory.
	DataDirectory string

	// IndexDirectory is the directory for index files. Defaults to
	// DataDirectory.
	IndexDirectory string

	// StorageFile is the base name for partitions and indexes. Defaults
	// to "storage".
	StorageFile string

	// Serializer renders documents to bytes and back. Defaults to
	// JSONSerializer{}.
	Serializer Serializer

	// ReadBufferSize is the Partition read buffer size in bytes.
	// Defaults to 4096.
	ReadBufferSize int

	// WriteBufferSize is the Partition write buffer size in bytes.
	// Defaults to 16384.
	WriteBufferSize int

	// MaxWriteBufferDocuments forces a flush once this many documents
	// are buffered. Zero means unlimited (flush only on size/deferred
	// schedule).
	MaxWriteBufferDocuments int

	// SyncOnFlush calls fsync after every Partition flush.
	SyncOnFlush bool

	// Partitioner selects the partition for each write. Defaults to
	// defaultPartitioner (single partition).
	Partitioner Partitioner

	// HMACSecret, if non-empty, signs every index's metadata header and
	// is verified on reopen.
	HMACSecret []byte

	// DirtyReads allows Partition.ReadFrom to observe unflushed,
	// buffered bytes. Defaults to true.
	DirtyReads *bool
}

const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 16384
	defaultStorageFile     = "storage"
)

// withDefaults returns a copy of c with every zero-valued field replaced
// by its default.
func (c Config) withDefaults() Config {
	if c.DataDirectory == "" {
		c.DataDirectory = "."
	}
	if c.IndexDirectory == "" {
		c.IndexDirectory = c.DataDirectory
	}
	if c.StorageFile == "" {
		c.StorageFile = defaultStorageFile
	}
	if c.Serializer == nil {
		c.Serializer = JSONSerializer{}
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}
	if c.Partitioner == nil {
		c.Partitioner = defaultPartitioner
	}
	if c.DirtyReads == nil {
		t := true
		c.DirtyReads = &t
	}
	return c
}

func (c Config) dirtyReads() bool {
	return c.DirtyReads == nil || *c.DirtyReads
}
