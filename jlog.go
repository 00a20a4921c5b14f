// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jlog implements an embeddable, append-only, journaled log store:
// a single writer appends length-prefixed records into a rotating
// sequence of size-capped segments, while any number of independent
// subscribers read at their own pace and advance a durable checkpoint.
// Retention of old segments is driven by the slowest subscriber, not by
// wall-clock age.
package jlog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ichernetsky/jlog/jlogfile"
)

// Mode pins a Ctx to the single role it was opened for. A Ctx never
// transitions between modes once opened.
type Mode int

const (
	// ModeInit creates a brand-new, empty journal directory.
	ModeInit Mode = iota
	// ModeAppend opens an existing journal for the single writer.
	ModeAppend
	// ModeRead opens an existing journal on behalf of one named subscriber.
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeInit:
		return "init"
	case ModeAppend:
		return "append"
	case ModeRead:
		return "read"
	default:
		return "unknown"
	}
}

// Option configures a Ctx at New time. WithUnitLimit, WithSafety and
// WithHdrMagic only take effect in ModeInit; opening an existing journal
// always defers to the values already committed to its metastore.
// WithFileMode and WithLogger apply in every mode.
type Option func(*options)

type options struct {
	fileMode  os.FileMode
	unitLimit uint32
	safety    Safety
	hdrMagic  uint32
	logger    *zerolog.Logger
}

// WithFileMode sets the permission bits used when creating the journal
// directory and every file inside it. The default is 0640.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) { o.fileMode = mode }
}

// WithUnitLimit sets the soft per-segment size cap in bytes. The writer
// consults it only at rotation time: a single oversized record is never
// split, so segments can exceed this cap by up to one record's length.
func WithUnitLimit(limit uint32) Option {
	return func(o *options) { o.unitLimit = limit }
}

// WithSafety sets the durability mode: SafetyFast trusts the OS page
// cache, SafetySynced fsyncs/msyncs after every mutation.
func WithSafety(s Safety) Option {
	return func(o *options) { o.safety = s }
}

// WithHdrMagic overrides the record header magic. Journals created with
// different magics cannot be read from one another's data files; this
// exists mainly so tests can construct deliberately foreign journals.
func WithHdrMagic(magic uint32) Option {
	return func(o *options) { o.hdrMagic = magic }
}

// WithLogger attaches a zerolog.Logger used for the package's internal
// diagnostic logging (rotation, retention, repair). The default is the
// global logger of github.com/rs/zerolog/log (log.Logger).
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func defaultOptions() options {
	return options{
		fileMode:  0o640,
		unitLimit: DefaultUnitLimit,
		safety:    DefaultSafety,
		hdrMagic:  DefaultHdrMagic,
		logger:    nil,
	}
}

// Ctx is a single open handle onto a journal directory, pinned to one
// Mode for its lifetime. It holds at most one open data segment, one open
// index, and one open checkpoint file at a time (the single-slot handle
// model): switching segments closes the previous handle before opening
// the next.
type Ctx struct {
	mu sync.Mutex

	dir      string
	mode     Mode
	fileMode os.FileMode
	logger   zerolog.Logger

	meta *metastore

	dataFile *jlogfile.File
	dataLog  uint32
	dataMap  *jlogfile.Mapping

	indexFile *jlogfile.File
	indexLog  uint32

	cpFile *jlogfile.File
	cpName string

	subscriber   string
	writerReady  bool
	writerLog    uint32 // cached hint of the current writer segment
	writerMarker uint32 // count of records already written into writerLog
}

// New opens the journal at dir in the given mode. In ModeInit the
// directory is created (it must not already exist) and initialized with
// opts; in ModeAppend or ModeRead the directory must already exist and
// opts besides WithLogger and WithFileMode are ignored in favor of the
// committed metastore. subscriber names the checkpointed reader for ModeRead and
// must be empty otherwise.
func New(dir string, mode Mode, subscriber string, opts ...Option) (*Ctx, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	} else {
		logger = log.Logger
	}
	logger = logger.With().Str("component", "jlog").Str("dir", dir).Logger()

	if mode == ModeRead && subscriber == "" {
		return nil, newError(KindInvalidSubscriber, nil)
	}
	if mode != ModeRead && subscriber != "" {
		return nil, newError(KindIllegalOpen, nil)
	}

	c := &Ctx{
		dir:        dir,
		mode:       mode,
		fileMode:   o.fileMode,
		logger:     logger,
		subscriber: subscriber,
	}

	switch mode {
	case ModeInit:
		if err := c.initDir(o); err != nil {
			return nil, err
		}
	case ModeAppend, ModeRead:
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			if err == nil {
				return nil, newError(KindNotADirectory, nil)
			}
			return nil, newError(KindOpen, err)
		}
	default:
		return nil, newError(KindIllegalOpen, nil)
	}

	meta, err := openMetastore(dir, o.fileMode, mode == ModeInit, metastoreFields{
		storageLog: 0,
		unitLimit:  o.unitLimit,
		safety:     o.safety,
		hdrMagic:   o.hdrMagic,
	})
	if err != nil {
		return nil, err
	}
	c.meta = meta

	if mode == ModeRead {
		if err := c.ensureSubscriberRegistered(); err != nil {
			_ = meta.close()
			return nil, err
		}
	}

	c.logger.Info().Str("mode", mode.String()).Msg("journal opened")
	return c, nil
}

func (c *Ctx) initDir(o options) error {
	if err := os.Mkdir(c.dir, o.fileMode|0o100); err != nil {
		if os.IsExist(err) {
			return newError(KindExists, err)
		}
		return newError(KindMkdirFailed, err)
	}
	if err := createSegment(c.dir, 0, o.fileMode); err != nil {
		return err
	}
	return nil
}

// ensureSubscriberRegistered creates a zero checkpoint for a first-time
// subscriber name, matching add_subscriber's implicit-create behavior
// when a reader is opened against a name that has never checkpointed.
func (c *Ctx) ensureSubscriberRegistered() error {
	path := checkpointPath(c.dir, c.subscriber)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	first, err := firstLogID(c.dir)
	if err != nil {
		return err
	}
	return writeCheckpoint(path, ID{Log: first, Marker: 0}, c.fileMode)
}

// Close releases every slot handle and the metastore. A Ctx must not be
// used after Close.
func (c *Ctx) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	rec := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	rec(c.closeDataSlot())
	rec(c.closeIndexSlot())
	rec(c.closeCheckpointSlot())
	if c.meta != nil {
		rec(c.meta.close())
	}
	return firstErr
}

// closeDataSlot closes the currently open data segment handle, if any.
func (c *Ctx) closeDataSlot() error {
	if c.dataFile == nil {
		return nil
	}
	var err error
	if c.dataMap != nil {
		err = c.dataMap.Unmap()
		c.dataMap = nil
	}
	if cerr := c.dataFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.dataFile = nil
	return err
}

// closeIndexSlot closes the currently open index handle, if any.
func (c *Ctx) closeIndexSlot() error {
	if c.indexFile == nil {
		return nil
	}
	err := c.indexFile.Close()
	c.indexFile = nil
	return err
}

// closeCheckpointSlot closes the currently open checkpoint handle, if any.
func (c *Ctx) closeCheckpointSlot() error {
	if c.cpFile == nil {
		return nil
	}
	err := c.cpFile.Close()
	c.cpFile = nil
	c.cpName = ""
	return err
}

// ensureDataOpenForWrite opens (creating if absent) the data segment for
// log as the single data slot, closing whatever was open before if it
// was for a different segment.
func (c *Ctx) ensureDataOpenForWrite(log uint32) (*jlogfile.File, error) {
	if c.dataFile != nil && c.dataLog == log {
		return c.dataFile, nil
	}
	if err := c.closeDataSlot(); err != nil {
		return nil, err
	}

	path := segDataPath(c.dir, log)
	f, err := jlogfile.Open(path, os.O_RDWR|os.O_CREATE, c.fileMode)
	if err != nil {
		return nil, newError(KindFileOpen, err)
	}
	c.dataFile = f
	c.dataLog = log
	return f, nil
}

// ensureDataOpenForRead opens the data segment for log read-only and maps
// it, for use by the reader's bounds-checked payload access.
func (c *Ctx) ensureDataOpenForRead(log uint32) (*jlogfile.Mapping, int64, error) {
	if c.dataFile != nil && c.dataLog == log && c.dataMap != nil {
		size, err := c.dataFile.Size()
		if err != nil {
			return nil, 0, newError(KindFileSeek, err)
		}
		// A mapping does not follow the file's length; remap below once the
		// segment has grown or shrunk since it was mapped.
		if size == int64(len(c.dataMap.Bytes())) {
			return c.dataMap, size, nil
		}
	}
	if err := c.closeDataSlot(); err != nil {
		return nil, 0, err
	}

	path := segDataPath(c.dir, log)
	f, err := jlogfile.Open(path, os.O_RDONLY, c.fileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, newError(KindIllegalLogID, err)
		}
		return nil, 0, newError(KindFileOpen, err)
	}

	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, 0, newError(KindFileSeek, err)
	}

	var mm *jlogfile.Mapping
	if size > 0 {
		mm, err = f.MapReadOnly()
		if err != nil {
			_ = f.Close()
			return nil, 0, newError(KindFileOpen, err)
		}
	}

	c.dataFile = f
	c.dataLog = log
	c.dataMap = mm
	return mm, size, nil
}

// ensureIndexOpen opens (creating if absent) the index for log as the
// single index slot.
func (c *Ctx) ensureIndexOpen(log uint32) (*jlogfile.File, error) {
	if c.indexFile != nil && c.indexLog == log {
		return c.indexFile, nil
	}
	if err := c.closeIndexSlot(); err != nil {
		return nil, err
	}

	path := segIndexPath(c.dir, log)
	f, err := jlogfile.Open(path, os.O_RDWR|os.O_CREATE, c.fileMode)
	if err != nil {
		return nil, newError(KindIdxOpen, err)
	}
	c.indexFile = f
	c.indexLog = log
	return f, nil
}

// ensureCheckpointOpen opens the checkpoint file for subscriber name as
// the single checkpoint slot.
func (c *Ctx) ensureCheckpointOpen(name string) (*jlogfile.File, error) {
	if c.cpFile != nil && c.cpName == name {
		return c.cpFile, nil
	}
	if err := c.closeCheckpointSlot(); err != nil {
		return nil, err
	}

	path := checkpointPath(c.dir, name)
	f, err := jlogfile.Open(path, os.O_RDWR|os.O_CREATE, c.fileMode)
	if err != nil {
		return nil, newError(KindCheckpoint, err)
	}
	c.cpFile = f
	c.cpName = name
	return f, nil
}

func checkpointPath(dir, subscriber string) string {
	return filepath.Join(dir, "cp."+hexEncode(subscriber))
}
