package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Append serializes m as envelope bytes: uvarint message kind, then the
// message fields in protobuf wire format.
func Append(b []byte, m Message) []byte {
	b = protowire.AppendVarint(b, uint64(m.Kind()))
	return m.encode(b)
}

// Decode parses one envelope produced by Append.
func Decode(body []byte) (Message, error) {
	k, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return nil, fmt.Errorf("message kind: %w", protowire.ParseError(n))
	}
	m := newMessage(Kind(k))
	if m == nil {
		return nil, fmt.Errorf("unknown message kind %d", k)
	}
	if err := m.decode(body[n:]); err != nil {
		return nil, fmt.Errorf("decode %T: %w", m, err)
	}
	return m, nil
}

// Encode helpers. Zero values are omitted, proto3 style.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendEmbedded(b []byte, num protowire.Number, enc func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, enc(nil))
}

// eachField walks the fields of data. set returns the number of bytes it
// consumed, or 0 for fields it does not know; unknown fields are skipped so
// newer peers can add tags.
func eachField(data []byte, set func(num protowire.Number, typ protowire.Type, data []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := set(num, typ, data)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
		}
		data = data[m:]
	}
	return nil
}

func consumeString(data []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(data []byte, dst *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeUint(data []byte, dst *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeSint(data []byte, dst *int64) (int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = protowire.DecodeZigZag(v)
	return n, nil
}

func consumeBool(data []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeUint(data, &v)
	*dst = v != 0
	return n, err
}

func consumeEmbedded(data []byte, dec func([]byte) error) (int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, dec(v)
}

// Metadata: 1 kind, 2 mode, 3 uid, 4 gid, 5/6 mtime sec/nsec, 7/8 atime.

func (m *Metadata) encode(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Kind))
	b = appendUint(b, 2, uint64(m.Mode))
	b = appendUint(b, 3, uint64(m.UID))
	b = appendUint(b, 4, uint64(m.GID))
	if !m.Mtime.IsZero() {
		b = appendSint(b, 5, m.Mtime.Unix())
		b = appendUint(b, 6, uint64(m.Mtime.Nanosecond()))
	}
	if !m.Atime.IsZero() {
		b = appendSint(b, 7, m.Atime.Unix())
		b = appendUint(b, 8, uint64(m.Atime.Nanosecond()))
	}
	return b
}

func (m *Metadata) decode(data []byte) error {
	var mtimeSec, atimeSec int64
	var mtimeNsec, atimeNsec uint64
	err := eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeUint(data, &v)
			m.Kind = FileKind(v)
			return n, err
		case 2:
			var v uint64
			n, err := consumeUint(data, &v)
			m.Mode = uint32(v)
			return n, err
		case 3:
			var v uint64
			n, err := consumeUint(data, &v)
			m.UID = uint32(v)
			return n, err
		case 4:
			var v uint64
			n, err := consumeUint(data, &v)
			m.GID = uint32(v)
			return n, err
		case 5:
			return consumeSint(data, &mtimeSec)
		case 6:
			return consumeUint(data, &mtimeNsec)
		case 7:
			return consumeSint(data, &atimeSec)
		case 8:
			return consumeUint(data, &atimeNsec)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if mtimeSec != 0 || mtimeNsec != 0 {
		m.Mtime = time.Unix(mtimeSec, int64(mtimeNsec))
	}
	if atimeSec != 0 || atimeNsec != 0 {
		m.Atime = time.Unix(atimeSec, int64(atimeNsec))
	}
	return nil
}

// PreserveSet: 1 uid, 2 gid, 3 times, 4 mode mask.

func (s *PreserveSet) encode(b []byte) []byte {
	b = appendBool(b, 1, s.UID)
	b = appendBool(b, 2, s.GID)
	b = appendBool(b, 3, s.Times)
	b = appendUint(b, 4, uint64(s.ModeMask))
	return b
}

func (s *PreserveSet) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(data, &s.UID)
		case 2:
			return consumeBool(data, &s.GID)
		case 3:
			return consumeBool(data, &s.Times)
		case 4:
			var v uint64
			n, err := consumeUint(data, &v)
			s.ModeMask = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

// PreserveSpec: 1 file, 2 dir, 3 symlink.

func (s *PreserveSpec) encode(b []byte) []byte {
	b = appendEmbedded(b, 1, s.File.encode)
	b = appendEmbedded(b, 2, s.Dir.encode)
	b = appendEmbedded(b, 3, s.Symlink.encode)
	return b
}

func (s *PreserveSpec) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeEmbedded(data, s.File.decode)
		case 2:
			return consumeEmbedded(data, s.Dir.decode)
		case 3:
			return consumeEmbedded(data, s.Symlink.decode)
		}
		return 0, nil
	})
}

// FilterRule: 1 include, 2 pattern, 3 dir-only.

func (r *FilterRule) encode(b []byte) []byte {
	b = appendBool(b, 1, r.Include)
	b = appendString(b, 2, r.Pattern)
	b = appendBool(b, 3, r.DirOnly)
	return b
}

func (r *FilterRule) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(data, &r.Include)
		case 2:
			return consumeString(data, &r.Pattern)
		case 3:
			return consumeBool(data, &r.DirOnly)
		}
		return 0, nil
	})
}

// FilterSpec: 1 repeated rule.

func (f *FilterSpec) encode(b []byte) []byte {
	for i := range f.Rules {
		b = appendEmbedded(b, 1, f.Rules[i].encode)
	}
	return b
}

func (f *FilterSpec) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if num == 1 {
			var r FilterRule
			n, err := consumeEmbedded(data, r.decode)
			if err == nil {
				f.Rules = append(f.Rules, r)
			}
			return n, err
		}
		return 0, nil
	})
}

// Tune: 1 max conns, 2 pending multiplier, 3 buffer size, 4 compress.

func (t *Tune) encode(b []byte) []byte {
	b = appendUint(b, 1, uint64(t.MaxConnections))
	b = appendUint(b, 2, uint64(t.PendingMultiplier))
	b = appendUint(b, 3, t.BufferSize)
	b = appendBool(b, 4, t.Compress)
	return b
}

func (t *Tune) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeUint(data, &v)
			t.MaxConnections = uint32(v)
			return n, err
		case 2:
			var v uint64
			n, err := consumeUint(data, &v)
			t.PendingMultiplier = uint32(v)
			return n, err
		case 3:
			return consumeUint(data, &t.BufferSize)
		case 4:
			return consumeBool(data, &t.Compress)
		}
		return 0, nil
	})
}

// Summary: tags follow field order in the struct.

func (s *Summary) encode(b []byte) []byte {
	b = appendUint(b, 1, s.FilesCopied)
	b = appendUint(b, 2, s.BytesCopied)
	b = appendUint(b, 3, s.FilesSkipped)
	b = appendUint(b, 4, s.FilesUnchanged)
	b = appendUint(b, 5, s.FilesSkippedExisting)
	b = appendUint(b, 6, s.SymlinksCreated)
	b = appendUint(b, 7, s.SymlinksSkipped)
	b = appendUint(b, 8, s.DirsCreated)
	b = appendUint(b, 9, s.DirsFailed)
	b = appendUint(b, 10, s.DirsRemoved)
	b = appendUint(b, 11, s.Errors)
	return b
}

func (s *Summary) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		dsts := map[protowire.Number]*uint64{
			1: &s.FilesCopied, 2: &s.BytesCopied, 3: &s.FilesSkipped,
			4: &s.FilesUnchanged, 5: &s.FilesSkippedExisting,
			6: &s.SymlinksCreated, 7: &s.SymlinksSkipped, 8: &s.DirsCreated,
			9: &s.DirsFailed, 10: &s.DirsRemoved, 11: &s.Errors,
		}
		if dst, ok := dsts[num]; ok {
			return consumeUint(data, dst)
		}
		return 0, nil
	})
}

// Message bodies.

func (m *TracingHello) encode(b []byte) []byte {
	return appendUint(b, 1, uint64(m.Role))
}

func (m *TracingHello) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if num == 1 {
			var v uint64
			n, err := consumeUint(data, &v)
			m.Role = Role(v)
			return n, err
		}
		return 0, nil
	})
}

func (m *MasterHelloSource) encode(b []byte) []byte {
	for _, p := range m.SrcPaths {
		b = appendString(b, 1, p)
	}
	b = appendString(b, 2, m.DstPath)
	b = appendBytes(b, 3, m.DestCertFP)
	if !m.Filter.Empty() {
		b = appendEmbedded(b, 4, m.Filter.encode)
	}
	b = appendUint(b, 5, uint64(m.DryRun))
	b = appendEmbedded(b, 6, m.Tune.encode)
	b = appendBool(b, 7, m.FailEarly)
	b = appendBool(b, 8, m.Deref)
	return b
}

func (m *MasterHelloSource) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			var s string
			n, err := consumeString(data, &s)
			if err == nil {
				m.SrcPaths = append(m.SrcPaths, s)
			}
			return n, err
		case 2:
			return consumeString(data, &m.DstPath)
		case 3:
			return consumeBytes(data, &m.DestCertFP)
		case 4:
			m.Filter = &FilterSpec{}
			return consumeEmbedded(data, m.Filter.decode)
		case 5:
			var v uint64
			n, err := consumeUint(data, &v)
			m.DryRun = DryRunMode(v)
			return n, err
		case 6:
			return consumeEmbedded(data, m.Tune.decode)
		case 7:
			return consumeBool(data, &m.FailEarly)
		case 8:
			return consumeBool(data, &m.Deref)
		}
		return 0, nil
	})
}

func (m *MasterHelloDest) encode(b []byte) []byte {
	b = appendString(b, 1, m.ControlAddr)
	b = appendString(b, 2, m.DataAddr)
	b = appendString(b, 3, m.ServerName)
	b = appendBytes(b, 4, m.SourceCertFP)
	b = appendEmbedded(b, 5, m.Preserve.encode)
	b = appendBool(b, 6, m.Overwrite)
	b = appendUint(b, 7, uint64(m.Compare))
	b = appendUint(b, 8, uint64(m.DryRun))
	b = appendEmbedded(b, 9, m.Tune.encode)
	b = appendBool(b, 10, m.FailEarly)
	return b
}

func (m *MasterHelloDest) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.ControlAddr)
		case 2:
			return consumeString(data, &m.DataAddr)
		case 3:
			return consumeString(data, &m.ServerName)
		case 4:
			return consumeBytes(data, &m.SourceCertFP)
		case 5:
			return consumeEmbedded(data, m.Preserve.decode)
		case 6:
			return consumeBool(data, &m.Overwrite)
		case 7:
			var v uint64
			n, err := consumeUint(data, &v)
			m.Compare = CompareAttrs(v)
			return n, err
		case 8:
			var v uint64
			n, err := consumeUint(data, &v)
			m.DryRun = DryRunMode(v)
			return n, err
		case 9:
			return consumeEmbedded(data, m.Tune.decode)
		case 10:
			return consumeBool(data, &m.FailEarly)
		}
		return 0, nil
	})
}

func (m *SourceMasterHello) encode(b []byte) []byte {
	b = appendString(b, 1, m.ControlAddr)
	b = appendString(b, 2, m.DataAddr)
	b = appendString(b, 3, m.ServerName)
	return b
}

func (m *SourceMasterHello) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.ControlAddr)
		case 2:
			return consumeString(data, &m.DataAddr)
		case 3:
			return consumeString(data, &m.ServerName)
		}
		return 0, nil
	})
}

func (m *RcpdResult) encode(b []byte) []byte {
	b = appendBool(b, 1, m.OK)
	b = appendString(b, 2, m.Message)
	b = appendString(b, 3, m.Error)
	b = appendEmbedded(b, 4, m.Summary.encode)
	return b
}

func (m *RcpdResult) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(data, &m.OK)
		case 2:
			return consumeString(data, &m.Message)
		case 3:
			return consumeString(data, &m.Error)
		case 4:
			return consumeEmbedded(data, m.Summary.decode)
		}
		return 0, nil
	})
}

func (m *Directory) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	b = appendEmbedded(b, 3, m.Meta.encode)
	b = appendBool(b, 4, m.IsRoot)
	b = appendUint(b, 5, m.EntryCount)
	b = appendUint(b, 6, m.FileCount)
	b = appendBool(b, 7, m.KeepIfEmpty)
	return b
}

func (m *Directory) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		case 3:
			return consumeEmbedded(data, m.Meta.decode)
		case 4:
			return consumeBool(data, &m.IsRoot)
		case 5:
			return consumeUint(data, &m.EntryCount)
		case 6:
			return consumeUint(data, &m.FileCount)
		case 7:
			return consumeBool(data, &m.KeepIfEmpty)
		}
		return 0, nil
	})
}

func (m *Symlink) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	b = appendString(b, 3, m.Target)
	b = appendEmbedded(b, 4, m.Meta.encode)
	b = appendBool(b, 5, m.IsRoot)
	return b
}

func (m *Symlink) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		case 3:
			return consumeString(data, &m.Target)
		case 4:
			return consumeEmbedded(data, m.Meta.decode)
		case 5:
			return consumeBool(data, &m.IsRoot)
		}
		return 0, nil
	})
}

func (m *FileSkipped) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	return b
}

func (m *FileSkipped) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		}
		return 0, nil
	})
}

func (m *SymlinkSkipped) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	b = appendBool(b, 3, m.IsRoot)
	return b
}

func (m *SymlinkSkipped) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		case 3:
			return consumeBool(data, &m.IsRoot)
		}
		return 0, nil
	})
}

func (m *DirStructureComplete) encode(b []byte) []byte {
	return appendUint(b, 1, uint64(m.RootItems))
}

func (m *DirStructureComplete) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		if num == 1 {
			var v uint64
			n, err := consumeUint(data, &v)
			m.RootItems = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

func (m *DirectoryCreated) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	b = appendUint(b, 3, m.FileCount)
	return b
}

func (m *DirectoryCreated) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		case 3:
			return consumeUint(data, &m.FileCount)
		}
		return 0, nil
	})
}

func (m *DestinationDone) encode(b []byte) []byte { return b }

func (m *DestinationDone) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		return 0, nil
	})
}

func (m *FileHeader) encode(b []byte) []byte {
	b = appendString(b, 1, m.Src)
	b = appendString(b, 2, m.Dst)
	b = appendUint(b, 3, m.Size)
	b = appendEmbedded(b, 4, m.Meta.encode)
	b = appendBool(b, 5, m.IsRoot)
	return b
}

func (m *FileHeader) decode(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(data, &m.Src)
		case 2:
			return consumeString(data, &m.Dst)
		case 3:
			return consumeUint(data, &m.Size)
		case 4:
			return consumeEmbedded(data, m.Meta.decode)
		case 5:
			return consumeBool(data, &m.IsRoot)
		}
		return 0, nil
	})
}
