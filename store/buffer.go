package store

// Buffer tracks the read set and buffered writes of one attempt. Backends
// embed it to share the reads-before-writes rule and last-write-wins merging.
type Buffer struct {
	reads  map[Ref]string
	writes []Write
	index  map[Ref]int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		reads: make(map[Ref]string),
		index: make(map[Ref]int),
	}
}

// BeforeRead fails once the attempt has buffered a write.
func (b *Buffer) BeforeRead() error {
	if len(b.writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

// Observe records the revision seen for a document. The first observation of
// a ref wins, so a changed re-read still fails the commit.
func (b *Buffer) Observe(snap *Snapshot) {
	if _, seen := b.reads[snap.Ref]; !seen {
		b.reads[snap.Ref] = snap.Revision
	}
}

func (b *Buffer) Set(ref Ref, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.put(Write{Ref: ref, Data: cp})
}

func (b *Buffer) Delete(ref Ref) {
	b.put(Write{Ref: ref, Delete: true})
}

func (b *Buffer) put(w Write) {
	if i, ok := b.index[w.Ref]; ok {
		b.writes[i] = w
		return
	}
	b.index[w.Ref] = len(b.writes)
	b.writes = append(b.writes, w)
}

// Reads returns the observed revision per document ("" for absent).
func (b *Buffer) Reads() map[Ref]string { return b.reads }

// Writes returns the buffered writes in first-write order.
func (b *Buffer) Writes() []Write { return b.writes }

// Wrote reports whether ref has a buffered write.
func (b *Buffer) Wrote(ref Ref) bool {
	_, ok := b.index[ref]
	return ok
}
