package unpacker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/brensch/urnalog/internal/model"
)

var (
	// ErrCorruptMember means a member could not be read out of the outer
	// container, or the outer container itself could not be opened.
	ErrCorruptMember = errors.New("corrupt outer member")
	// ErrCorruptInnerArchive means a member was extracted but is not a
	// readable inner archive.
	ErrCorruptInnerArchive = errors.New("corrupt inner archive")
	// ErrPayloadMissing means the inner archive has no payload entry.
	ErrPayloadMissing = errors.New("payload missing from inner archive")
	// ErrUnreadableArchive accompanies ErrCorruptMember when the outer
	// container could not be opened at all, so no member was read.
	ErrUnreadableArchive = errors.New("outer archive unreadable")
)

// Member is one unpacked section log. Exactly one of Text and Err is
// meaningful.
type Member struct {
	Name string
	Text string
	Err  error
}

// Options configures an Unpacker.
type Options struct {
	Outer       Format
	Inner       Format
	ScratchDir  string
	Suffix      string
	PayloadName string
	// Encoding of the payload bytes. Defaults to ISO-8859-15.
	Encoding encoding.Encoding
}

// Unpacker walks an outer container and yields the decoded payload of every
// inner archive found in it.
type Unpacker struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Unpacker {
	if opts.Outer == nil {
		opts.Outer = ZipFormat{}
	}
	if opts.Inner == nil {
		opts.Inner = SevenZipFormat{}
	}
	if opts.Encoding == nil {
		opts.Encoding = charmap.ISO8859_15
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Unpacker{opts: opts, logger: logger}
}

// Unpack lazily yields one Member per entry of the outer container whose name
// ends in the configured suffix. Every file written for a member is removed
// before that member is yielded, so the scratch directory looks the same
// before and after each step. Iteration stops early when ctx is done.
func (u *Unpacker) Unpack(ctx context.Context, outerPath string) iter.Seq[Member] {
	return func(yield func(Member) bool) {
		l := u.logger.With(slog.String("archive", filepath.Base(outerPath)))

		outer, err := u.opts.Outer.Open(outerPath)
		if err != nil {
			l.Error("Could not open outer archive.", "error", err)
			yield(Member{Name: filepath.Base(outerPath), Err: fmt.Errorf("%w: %w: open %s: %v", ErrCorruptMember, ErrUnreadableArchive, outerPath, err)})
			return
		}
		defer outer.Close()

		for _, name := range outer.Entries() {
			if !strings.HasSuffix(name, u.opts.Suffix) {
				continue
			}
			if ctx.Err() != nil {
				l.Warn("Unpack interrupted.", "error", ctx.Err())
				return
			}
			m := u.unpackMember(outer, name)
			if m.Err != nil {
				l.Warn("Member failed.", slog.String("member", name), "error", m.Err)
			}
			if !yield(m) {
				return
			}
		}
	}
}

// unpackMember extracts one inner archive and its payload into a private
// directory under the scratch dir and removes that directory before
// returning.
func (u *Unpacker) unpackMember(outer Archive, name string) Member {
	m := Member{Name: name}

	workDir, err := os.MkdirTemp(u.opts.ScratchDir, "member-")
	if err != nil {
		m.Err = fmt.Errorf("scratch dir: %w", err)
		return m
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			u.logger.Warn("Failed to clean scratch dir.", slog.String("dir", workDir), "error", err)
		}
	}()

	innerPath, err := outer.Extract(name, workDir)
	if err != nil {
		m.Err = fmt.Errorf("%w: %s: %v", ErrCorruptMember, name, err)
		return m
	}

	raw, err := u.readPayload(model.ArchiveMember{Name: name, Path: innerPath}, workDir)
	if err != nil {
		m.Err = fmt.Errorf("%s: %w", name, err)
		return m
	}

	text, err := Decode(raw, u.opts.Encoding)
	if err != nil {
		m.Err = fmt.Errorf("%s: decode payload: %w", name, err)
		return m
	}
	m.Text = text
	return m
}

func (u *Unpacker) readPayload(member model.ArchiveMember, workDir string) ([]byte, error) {
	inner, err := u.opts.Inner.Open(member.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInnerArchive, err)
	}
	defer inner.Close()

	// Every entry is unpacked; siblings of the payload go with workDir.
	payload := ""
	for _, entry := range inner.Entries() {
		path, err := inner.Extract(entry, workDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptInnerArchive, entry, err)
		}
		if payload == "" && filepath.Base(entry) == u.opts.PayloadName {
			payload = path
		}
	}
	if payload == "" {
		return nil, ErrPayloadMissing
	}
	return os.ReadFile(payload)
}

// Decode turns payload bytes into NFC-normalized UTF-8 text.
func Decode(raw []byte, enc encoding.Encoding) (string, error) {
	if enc == nil {
		enc = charmap.ISO8859_15
	}
	b, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return norm.NFC.String(string(b)), nil
}
