package encryptedblock

import (
	"fmt"
	"iter"
)

// blockAD is the associated data binding a block record to its slot.
func (s *store) blockAD(i int) []byte {
	return recordAD(s.index.StoreID, uint64(i))
}

func (s *store) recordSize() int {
	return RecordSize(s.index.Mode, int(s.index.BlockSize))
}

// sealBlock encrypts one block into a record under a fresh nonce.
func (s *store) sealBlock(i int, data []byte) ([]byte, error) {
	record, err := encodeRecord(s.engine, s.blockAD(i), data)
	if err != nil {
		return nil, &EncryptionError{Operation: "encrypt", Path: s.name, Block: int64(i), Message: err.Error(), Err: err}
	}
	return record, nil
}

// openBlock decrypts the record of block i.
func (s *store) openBlock(i int, record []byte) ([]byte, error) {
	data, err := decodeRecord(s.engine, s.blockAD(i), record)
	if err != nil {
		if err == ErrAuthFailed {
			return nil, &AuthenticationError{Path: s.name, Block: int64(i), Message: err.Error(), Err: err}
		}
		return nil, &EncryptionError{Operation: "decrypt", Path: s.name, Block: int64(i), Message: err.Error(), Err: err}
	}
	return data, nil
}

func (s *store) writeRecord(raw rawStore, i int, data []byte) error {
	record, err := s.sealBlock(i, data)
	if err != nil {
		return err
	}
	_, err = raw.WriteAt(record, s.index.blockOffset(i))
	return err
}

func (s *store) readRecord(raw rawStore, i int) ([]byte, error) {
	record := make([]byte, s.recordSize())
	if err := readFull(raw, record, s.index.blockOffset(i)); err != nil {
		return nil, err
	}
	return record, nil
}

// ReadBlock returns the plaintext of block i.
func (d *Device) ReadBlock(i int) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateBlockIndex(i, d.BlockCount()); err != nil {
		return nil, err
	}
	return d.readBlock(i)
}

func (d *Device) readBlock(i int) ([]byte, error) {
	record, err := d.s.readRecord(d.raw, i)
	if err != nil {
		return nil, err
	}
	data, err := d.s.openBlock(i, record)
	if err != nil {
		return nil, err
	}
	d.bytesReceived.Add(int64(d.s.index.BlockSize))
	return data, nil
}

// WriteBlock encrypts data under a fresh nonce and stores it as block i.
func (d *Device) WriteBlock(i int, data []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := ValidateBlockIndex(i, d.BlockCount()); err != nil {
		return err
	}
	if err := ValidateBlockData(data, d.BlockSize()); err != nil {
		return err
	}
	if err := d.s.writeRecord(d.raw, i, data); err != nil {
		return err
	}
	d.bytesSent.Add(int64(d.s.index.BlockSize))
	return nil
}

// ReadBlocks reads the given blocks in order. Duplicates are read again.
func (d *Device) ReadBlocks(indices []int) ([][]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	for _, i := range indices {
		if err := ValidateBlockIndex(i, d.BlockCount()); err != nil {
			return nil, err
		}
	}

	if !d.useParallel(len(indices)) {
		out := make([][]byte, len(indices))
		for n, i := range indices {
			data, err := d.readBlock(i)
			if err != nil {
				return nil, err
			}
			out[n] = data
		}
		return out, nil
	}

	jobs := make([]blockJob, len(indices))
	for n, i := range indices {
		record, err := d.s.readRecord(d.raw, i)
		if err != nil {
			return nil, err
		}
		jobs[n] = blockJob{index: i, record: record}
	}
	decoded, err := d.parallelOpen(jobs)
	d.bytesReceived.Add(int64(decoded) * int64(d.s.index.BlockSize))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(jobs))
	for n := range jobs {
		out[n] = jobs[n].data
	}
	return out, nil
}

// WriteBlocks writes data[n] to indices[n] in order; a later duplicate
// wins. All arguments are checked before the first write. The batch is
// not atomic.
func (d *Device) WriteBlocks(indices []int, data [][]byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if len(indices) != len(data) {
		return &ValidationError{
			Field:   "data",
			Value:   len(data),
			Message: fmt.Sprintf("%d indices but %d blocks", len(indices), len(data)),
			Err:     ErrInvalidSize,
		}
	}
	for n, i := range indices {
		if err := ValidateBlockIndex(i, d.BlockCount()); err != nil {
			return err
		}
		if err := ValidateBlockData(data[n], d.BlockSize()); err != nil {
			return err
		}
	}

	if !d.useParallel(len(indices)) {
		for n, i := range indices {
			if err := d.s.writeRecord(d.raw, i, data[n]); err != nil {
				return err
			}
			d.bytesSent.Add(int64(d.s.index.BlockSize))
		}
		return nil
	}

	jobs := make([]blockJob, len(indices))
	for n, i := range indices {
		jobs[n] = blockJob{index: i, data: data[n]}
	}
	if err := d.parallelSeal(jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := d.raw.WriteAt(job.record, d.s.index.blockOffset(job.index)); err != nil {
			return err
		}
		d.bytesSent.Add(int64(d.s.index.BlockSize))
	}
	return nil
}

// YieldBlocks returns a lazy sequence over the given blocks. Each step
// reads and decrypts one block and counts it; stopping early leaves the
// rest untouched. Ranging over the sequence again starts over. After the
// first error the sequence ends.
func (d *Device) YieldBlocks(indices []int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, i := range indices {
			data, err := d.ReadBlock(i)
			if !yield(data, err) || err != nil {
				return
			}
		}
	}
}
