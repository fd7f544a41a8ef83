package encryptedblock

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// blockJob is one block's worth of cipher work in a batch.
type blockJob struct {
	index  int
	data   []byte
	record []byte
}

func (d *Device) useParallel(n int) bool {
	p := d.s.cfg.Parallel
	return p.Enabled && n >= p.MinBlocksForParallel && n > 1
}

func (d *Device) workers(n int) int {
	w := d.s.cfg.Parallel.MaxWorkers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	return w
}

// runJobs applies fn to every job on a bounded pool. A panicking worker
// is turned into an error.
func (d *Device) runJobs(jobs []blockJob, op string, fn func(*blockJob) error) error {
	var g errgroup.Group
	g.SetLimit(d.workers(len(jobs)))
	for n := range jobs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in %s worker: %v", op, r)
				}
			}()
			return fn(&jobs[n])
		})
	}
	return g.Wait()
}

// parallelSeal encrypts every job's data into its record.
func (d *Device) parallelSeal(jobs []blockJob) error {
	return d.runJobs(jobs, "encryption", func(job *blockJob) error {
		record, err := d.s.sealBlock(job.index, job.data)
		if err != nil {
			return err
		}
		job.record = record
		return nil
	})
}

// parallelOpen decrypts every job's record. It returns how many jobs
// decoded successfully along with the first error.
func (d *Device) parallelOpen(jobs []blockJob) (int, error) {
	var decoded atomic.Int64
	err := d.runJobs(jobs, "decryption", func(job *blockJob) error {
		data, err := d.s.openBlock(job.index, job.record)
		if err != nil {
			return err
		}
		job.data = data
		decoded.Add(1)
		return nil
	})
	return int(decoded.Load()), err
}
