package wire

// Kind is the envelope tag that precedes every framed message body.
type Kind uint8

const (
	kindInvalid Kind = iota
	KindTracingHello
	KindMasterHelloSource
	KindMasterHelloDest
	KindSourceMasterHello
	KindRcpdResult
	KindDirectory
	KindSymlinkMsg
	KindFileSkipped
	KindSymlinkSkipped
	KindDirStructureComplete
	KindDirectoryCreated
	KindDestinationDone
	KindFileHeader
)

// Message is any protocol data unit that can cross a framed stream.
type Message interface {
	Kind() Kind
	encode(b []byte) []byte
	decode(data []byte) error
}

// TracingHello is the first message a daemon sends on its master
// connection; it lets the master match connection to role.
type TracingHello struct {
	Role Role
}

// MasterHelloSource tells the source daemon what to copy.
type MasterHelloSource struct {
	SrcPaths   []string
	DstPath    string
	DestCertFP []byte
	Filter     *FilterSpec
	DryRun     DryRunMode
	Tune       Tune
	FailEarly  bool
	Deref      bool
}

// MasterHelloDest tells the destination daemon where the source listens and
// how to apply what arrives.
type MasterHelloDest struct {
	ControlAddr  string
	DataAddr     string
	ServerName   string
	SourceCertFP []byte
	Preserve     PreserveSpec
	Overwrite    bool
	Compare      CompareAttrs
	DryRun       DryRunMode
	Tune         Tune
	FailEarly    bool
}

// SourceMasterHello reports the source's listener addresses back to the
// master, which forwards them to the destination.
type SourceMasterHello struct {
	ControlAddr string
	DataAddr    string
	ServerName  string
}

// RcpdResult is the final report each daemon sends to the master.
type RcpdResult struct {
	OK      bool
	Message string
	// Error is the rendered error chain; empty iff OK. The chain is joined
	// with ": " so the root cause survives the wire.
	Error   string
	Summary Summary
}

// Directory announces one source directory. EntryCount counts all immediate
// children surviving the filter; FileCount the regular files among them.
type Directory struct {
	Src         string
	Dst         string
	Meta        Metadata
	IsRoot      bool
	EntryCount  uint64
	FileCount   uint64
	KeepIfEmpty bool
}

// Symlink announces one source symlink; Target is the literal link text.
type Symlink struct {
	Src    string
	Dst    string
	Target string
	Meta   Metadata
	IsRoot bool
}

// FileSkipped accounts for a file that will never arrive on a data
// connection (unreadable, vanished between walk and send, or dry run). The
// walker also sends it for a subdirectory it does not descend into (vanished,
// unreadable, or a symlink cycle under --dereference).
type FileSkipped struct {
	Src string
	Dst string
}

// SymlinkSkipped accounts for a symlink the source could not read.
type SymlinkSkipped struct {
	Src    string
	Dst    string
	IsRoot bool
}

// DirStructureComplete is the last control message from the source.
// RootItems is the number of is_root items the destination should expect;
// zero means no root item is sent (a root file under dry run).
type DirStructureComplete struct {
	RootItems uint32
}

// DirectoryCreated is the destination's reply to Directory; it releases
// file sending for that directory. FileCount echoes the request.
type DirectoryCreated struct {
	Src       string
	Dst       string
	FileCount uint64
}

// DestinationDone tells the source the destination is complete; the
// destination half-closes its send side right after writing it.
type DestinationDone struct{}

// FileHeader precedes each file's payload on a data connection. Exactly
// Size raw bytes follow it.
type FileHeader struct {
	Src    string
	Dst    string
	Size   uint64
	Meta   Metadata
	IsRoot bool
}

func (*TracingHello) Kind() Kind         { return KindTracingHello }
func (*MasterHelloSource) Kind() Kind    { return KindMasterHelloSource }
func (*MasterHelloDest) Kind() Kind      { return KindMasterHelloDest }
func (*SourceMasterHello) Kind() Kind    { return KindSourceMasterHello }
func (*RcpdResult) Kind() Kind           { return KindRcpdResult }
func (*Directory) Kind() Kind            { return KindDirectory }
func (*Symlink) Kind() Kind              { return KindSymlinkMsg }
func (*FileSkipped) Kind() Kind          { return KindFileSkipped }
func (*SymlinkSkipped) Kind() Kind       { return KindSymlinkSkipped }
func (*DirStructureComplete) Kind() Kind { return KindDirStructureComplete }
func (*DirectoryCreated) Kind() Kind     { return KindDirectoryCreated }
func (*DestinationDone) Kind() Kind      { return KindDestinationDone }
func (*FileHeader) Kind() Kind           { return KindFileHeader }

func newMessage(k Kind) Message {
	switch k {
	case KindTracingHello:
		return &TracingHello{}
	case KindMasterHelloSource:
		return &MasterHelloSource{}
	case KindMasterHelloDest:
		return &MasterHelloDest{}
	case KindSourceMasterHello:
		return &SourceMasterHello{}
	case KindRcpdResult:
		return &RcpdResult{}
	case KindDirectory:
		return &Directory{}
	case KindSymlinkMsg:
		return &Symlink{}
	case KindFileSkipped:
		return &FileSkipped{}
	case KindSymlinkSkipped:
		return &SymlinkSkipped{}
	case KindDirStructureComplete:
		return &DirStructureComplete{}
	case KindDirectoryCreated:
		return &DirectoryCreated{}
	case KindDestinationDone:
		return &DestinationDone{}
	case KindFileHeader:
		return &FileHeader{}
	}
	return nil
}
