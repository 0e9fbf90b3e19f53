package pagesource

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zstd"

	"cowvmo/pkg/cowerr"
)

// CompressResult is the outcome of Compressor.Compress.
type CompressResult int

const (
	// CompressResultReference means compression produced a reference
	// the engine should install in place of the page.
	CompressResultReference CompressResult = iota
	// CompressResultZero means the page's content was entirely zero;
	// the engine installs a Marker instead of a reference.
	CompressResultZero
	// CompressResultFail means compression did not shrink the page (or
	// failed outright); the original page is kept and moved to a
	// "compression failed" queue.
	CompressResultFail
)

// TempReference is the handle a Compressor hands back from Start, owned by
// the initiating cow-object until Compress/MoveReference/Finalize resolves
// it.
type TempReference uint64

// Compressor is the external interface that exchanges a real page for a
// compressed reference and back. A temporary reference is owned by the
// cow-object that called Start between Start and a matching Finalize; if
// the fault path races past that offset in the meantime, it detects the
// race by comparing the current slot against the temporary reference and
// discards the compressor's result instead of installing it.
type Compressor interface {
	// Start takes ownership of page's bytes and returns a temporary
	// reference standing in for it while compression runs unlocked.
	Start(page []byte) TempReference

	// Compress runs the (potentially slow) compression step with no
	// lock held, returning the outcome and, for CompressResultReference,
	// the finalized handle to install.
	Compress(ref TempReference) (CompressResult, ReferenceHandle)

	// MoveReference returns the original page bytes for ref if ref is
	// still a temporary (uncommitted) reference, or false if it has
	// already been finalized or freed.
	MoveReference(ref TempReference) ([]byte, bool)

	// IsTempReference reports whether handle still refers to an
	// in-flight temporary reference rather than a finalized one.
	IsTempReference(handle ReferenceHandle) bool

	// Free releases a finalized reference's storage.
	Free(handle ReferenceHandle)

	// ReturnTempReference releases ref without finalizing it (the race
	// case described above).
	ReturnTempReference(ref TempReference)

	// Decompress restores the original page bytes for a finalized
	// reference.
	Decompress(handle ReferenceHandle) ([]byte, error)

	// Finalize commits ref as handle, ending its temporary lifetime.
	Finalize(ref TempReference) ReferenceHandle
}

// ReferenceHandle is an opaque handle minted by a Compressor for a
// finalized compressed page.
type ReferenceHandle uint64

// ZstdCompressor implements Compressor using klauspost/compress/zstd,
// compressing whole pages independently (no shared dictionary across
// pages, matching the "exchange one page for one reference" contract).
// Compression that doesn't shrink the page below its original size is
// reported as CompressResultFail rather than installed, since the engine
// only ever trades a page for a reference to save memory.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu       sync.Mutex
	temps    map[TempReference][]byte
	refs     map[ReferenceHandle][]byte
	nextTemp TempReference
	nextRef  ReferenceHandle
}

// NewZstdCompressor builds a Compressor around a shared zstd encoder and
// decoder pair.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "pagesource: creating zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "pagesource: creating zstd decoder")
	}
	return &ZstdCompressor{
		encoder: enc,
		decoder: dec,
		temps:   make(map[TempReference][]byte),
		refs:    make(map[ReferenceHandle][]byte),
	}, nil
}

func (z *ZstdCompressor) Start(page []byte) TempReference {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.nextTemp++
	ref := z.nextTemp
	cp := append([]byte(nil), page...)
	z.temps[ref] = cp
	return ref
}

func (z *ZstdCompressor) Compress(ref TempReference) (CompressResult, ReferenceHandle) {
	z.mu.Lock()
	page, ok := z.temps[ref]
	z.mu.Unlock()
	if !ok {
		return CompressResultFail, 0
	}

	if isAllZero(page) {
		z.mu.Lock()
		delete(z.temps, ref)
		z.mu.Unlock()
		return CompressResultZero, 0
	}

	compressed := z.encoder.EncodeAll(page, nil)
	if len(compressed) >= len(page) {
		return CompressResultFail, 0
	}

	z.mu.Lock()
	delete(z.temps, ref)
	z.nextRef++
	handle := z.nextRef
	z.refs[handle] = compressed
	z.mu.Unlock()
	return CompressResultReference, handle
}

func (z *ZstdCompressor) MoveReference(ref TempReference) ([]byte, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	page, ok := z.temps[ref]
	if !ok {
		return nil, false
	}
	delete(z.temps, ref)
	return page, true
}

func (z *ZstdCompressor) IsTempReference(handle ReferenceHandle) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.refs[handle]
	return !ok
}

func (z *ZstdCompressor) Free(handle ReferenceHandle) {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.refs, handle)
}

func (z *ZstdCompressor) ReturnTempReference(ref TempReference) {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.temps, ref)
}

func (z *ZstdCompressor) Decompress(handle ReferenceHandle) ([]byte, error) {
	z.mu.Lock()
	compressed, ok := z.refs[handle]
	z.mu.Unlock()
	if !ok {
		return nil, cowerr.New(cowerr.CodeNotFound, "pagesource: unknown compressed reference")
	}
	out, err := z.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, cowerr.Wrap(err, cowerr.CodeBadState, "pagesource: decompressing reference")
	}
	return out, nil
}

func (z *ZstdCompressor) Finalize(ref TempReference) ReferenceHandle {
	// Compress already finalizes on success; Finalize is only reached
	// when a caller wants to commit a still-temporary reference as-is
	// (uncompressed), e.g. after a CompressResultFail.
	z.mu.Lock()
	defer z.mu.Unlock()
	page, ok := z.temps[ref]
	if !ok {
		return 0
	}
	delete(z.temps, ref)
	z.nextRef++
	handle := z.nextRef
	z.refs[handle] = page
	return handle
}

func isAllZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}

var _ Compressor = (*ZstdCompressor)(nil)
