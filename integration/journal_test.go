// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package integration_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ichernetsky/jlog"
)

// initWriter creates a brand-new journal at dir and reopens it in append
// mode, matching the init-then-open_writer lifecycle the context never
// lets you skip.
func initWriter(dir string, opts ...jlog.Option) *jlog.Ctx {
	bootstrap, err := jlog.New(dir, jlog.ModeInit, "", opts...)
	Expect(err).NotTo(HaveOccurred())
	Expect(bootstrap.Close()).To(Succeed())

	w, err := jlog.New(dir, jlog.ModeAppend, "")
	Expect(err).NotTo(HaveOccurred())
	return w
}

var _ = Describe("journal", func() {
	var dir string

	BeforeEach(func() {
		base, err := os.MkdirTemp("", "jlog-integration-")
		Expect(err).NotTo(HaveOccurred())
		// ModeInit creates the journal directory itself, so it must not exist yet.
		dir = filepath.Join(base, "journal")
	})

	AfterEach(func() {
		os.RemoveAll(filepath.Dir(dir))
	})

	It("round-trips two records across a reopen (S1)", func() {
		w := initWriter(dir)

		_, err := w.Write([]byte("a"))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte("bc"))
		Expect(err).NotTo(HaveOccurred())

		Expect(w.AddSubscriber("sub", jlog.WhenceBegin)).To(Succeed())
		Expect(w.Close()).To(Succeed())

		r, err := jlog.New(dir, jlog.ModeRead, "sub")
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		cp, err := r.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())

		records, err := r.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(records[0].ID.String()).To(Equal("00000000:00000001"))
		Expect(string(records[0].Payload)).To(Equal("a"))
		Expect(records[1].ID.String()).To(Equal("00000000:00000002"))
		Expect(string(records[1].Payload)).To(Equal("bc"))

		payload, _, err := r.ReadMessage(jlog.ID{Log: 0, Marker: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(payload)).To(Equal("a"))

		payload, _, err = r.ReadMessage(jlog.ID{Log: 0, Marker: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(payload)).To(Equal("bc"))
	})

	It("rotates a segment per record when the unit limit is tight (S2)", func() {
		w := initWriter(dir, jlog.WithUnitLimit(17)) // header(16) + 1 byte

		var ids []jlog.ID
		for _, b := range []byte("xyz") {
			id, err := w.Write([]byte{b})
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, id)
		}

		Expect(ids[0].Log).To(Equal(uint32(0)))
		Expect(ids[1].Log).To(Equal(uint32(1)))
		Expect(ids[2].Log).To(Equal(uint32(2)))

		Expect(w.AddSubscriber("sub", jlog.WhenceBegin)).To(Succeed())
		Expect(w.Close()).To(Succeed())

		r, err := jlog.New(dir, jlog.ModeRead, "sub")
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		cp, err := r.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())
		records, err := r.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(3))
		Expect(string(records[0].Payload)).To(Equal("x"))
		Expect(string(records[1].Payload)).To(Equal("y"))
		Expect(string(records[2].Payload)).To(Equal("z"))
	})

	It("tolerates a torn tail record and repairs it on demand (S3)", func() {
		w := initWriter(dir)
		_, err := w.Write([]byte("first"))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte("second"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.AddSubscriber("sub", jlog.WhenceBegin)).To(Succeed())
		Expect(w.Close()).To(Succeed())

		segPath := fmt.Sprintf("%s/%08x", dir, 0)
		fi, err := os.Stat(segPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Truncate(segPath, fi.Size()-1)).To(Succeed())

		r, err := jlog.New(dir, jlog.ModeRead, "sub")
		Expect(err).NotTo(HaveOccurred())

		cp, err := r.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())
		records, err := r.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(string(records[0].Payload)).To(Equal("first"))
		Expect(r.Close()).To(Succeed())

		admin, err := jlog.New(dir, jlog.ModeAppend, "")
		Expect(err).NotTo(HaveOccurred())
		goodSize, err := admin.RepairSegment(0)
		Expect(err).NotTo(HaveOccurred())
		fi, err = os.Stat(segPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(fi.Size()).To(Equal(goodSize))
		Expect(admin.Close()).To(Succeed())
	})

	It("rejects an out-of-range checkpoint and lets repair restore it (S4)", func() {
		w := initWriter(dir)
		_, err := w.Write([]byte("one"))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte("two"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.AddSubscriber("sub", jlog.WhenceBegin)).To(Succeed())

		// Corrupt the checkpoint file directly on disk, bypassing
		// SetCheckpoint and the retention sweep it runs.
		cpPath := filepath.Join(dir, "cp."+hex.EncodeToString([]byte("sub")))
		corrupt := make([]byte, 8)
		binary.LittleEndian.PutUint32(corrupt[0:4], 0xffffffff)
		Expect(os.WriteFile(cpPath, corrupt, 0o640)).To(Succeed())

		r2, err := jlog.New(dir, jlog.ModeRead, "sub")
		Expect(err).NotTo(HaveOccurred())

		cp, err := r2.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())
		_, err = r2.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).To(HaveOccurred())

		Expect(w.RepairCheckpoint("sub")).To(Succeed())

		cp, err = r2.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())
		Expect(cp).To(Equal(jlog.ID{Log: 0, Marker: 0}))

		records, err := r2.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))

		Expect(r2.Close()).To(Succeed())
		Expect(w.Close()).To(Succeed())
	})

	It("serializes concurrent writers without interleaving records (S5)", func() {
		w := initWriter(dir)

		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := w.Write([]byte(fmt.Sprintf("msg-%d", i)))
				Expect(err).NotTo(HaveOccurred())
			}(i)
		}
		wg.Wait()
		Expect(w.Close()).To(Succeed())

		admin, err := jlog.New(dir, jlog.ModeAppend, "")
		Expect(err).NotTo(HaveOccurred())
		scanCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errs, err := admin.CheckSegment(scanCtx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(errs).To(BeEmpty())
		Expect(admin.Close()).To(Succeed())
	})

	It("starts a whence-end subscriber with nothing pending (S6)", func() {
		w := initWriter(dir)
		for i := 0; i < 10; i++ {
			_, err := w.Write([]byte(fmt.Sprintf("msg-%d", i)))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(w.AddSubscriber("x", jlog.WhenceEnd)).To(Succeed())

		r, err := jlog.New(dir, jlog.ModeRead, "x")
		Expect(err).NotTo(HaveOccurred())

		cp, err := r.ReadCheckpoint()
		Expect(err).NotTo(HaveOccurred())
		records, err := r.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())

		_, err = w.Write([]byte("eleven"))
		Expect(err).NotTo(HaveOccurred())

		records, err = r.ReadInterval(cp, jlog.ID{}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(string(records[0].Payload)).To(Equal("eleven"))

		Expect(r.Close()).To(Succeed())
		Expect(w.Close()).To(Succeed())
	})
})
