package client

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

const DefaultDebounce = 10 * time.Millisecond

const (
	LanguageJavaScript = "javascript"
	LanguageCpp        = "cpp"
	LanguagePython     = "python"
)

var languageExt = map[string]string{
	LanguageJavaScript: "js",
	LanguageCpp:        "cpp",
	LanguagePython:     "py",
}

// DetectLanguage maps a file name to an editor language
func DetectLanguage(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".py":
		return LanguagePython
	case ".c", ".cpp":
		return LanguageCpp
	default:
		return LanguageJavaScript
	}
}

// CodeSync keeps the local copy of the shared document. Local edits are
// broadcast after a quiet period; remote snapshots replace the buffer whole.
type CodeSync struct {
	ch       Channel
	roomID   string
	username string
	delay    time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	content  string
	language string
	history  []string
	cursor   int
	timer    *time.Timer
	gen      uint64
	closed   bool
	onRemote func(content string)
}

func NewCodeSync(ch Channel, roomID, username string, delay time.Duration, logger *zap.Logger) *CodeSync {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeSync{
		ch:       ch,
		roomID:   roomID,
		username: username,
		delay:    delay,
		logger:   logger,
		language: LanguageJavaScript,
		history:  []string{""},
	}
}

func (c *CodeSync) bind(b *binding) {
	b.on(protocol.KindCodeUpdate, func(ev protocol.Event) {
		c.ApplyRemote(ev.(protocol.CodeUpdate))
	})
}

// OnRemoteUpdate registers the editor hook for replaced content
func (c *CodeSync) OnRemoteUpdate(fn func(content string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemote = fn
}

// Edit records a local change and schedules its broadcast
func (c *CodeSync) Edit(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || content == c.content {
		return
	}
	c.content = content
	c.pushLocked(content)
	c.scheduleLocked()
}

// ApplyRemote takes a snapshot from another member. Own echoes are ignored.
func (c *CodeSync) ApplyRemote(ev protocol.CodeUpdate) bool {
	c.mu.Lock()
	if c.closed || ev.Sender == c.username || ev.Content == c.content {
		c.mu.Unlock()
		return false
	}
	// The pending local edit lost; sending it now would re-broadcast remote content
	c.cancelLocked()
	c.content = ev.Content
	c.pushLocked(ev.Content)
	hook := c.onRemote
	c.mu.Unlock()

	if hook != nil {
		hook(ev.Content)
	}
	return true
}

func (c *CodeSync) Undo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cursor == 0 {
		return false
	}
	c.cursor--
	c.content = c.history[c.cursor]
	c.scheduleLocked()
	return true
}

func (c *CodeSync) Redo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cursor >= len(c.history)-1 {
		return false
	}
	c.cursor++
	c.content = c.history[c.cursor]
	c.scheduleLocked()
	return true
}

// Reset clears the document and its history for everyone
func (c *CodeSync) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.content = ""
	c.history = []string{""}
	c.cursor = 0
	c.scheduleLocked()
}

// Load replaces the document with a local file and picks the language from its name
func (c *CodeSync) Load(name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.language = DetectLanguage(name)
	c.content = string(data)
	c.pushLocked(c.content)
	c.scheduleLocked()
	return nil
}

func (c *CodeSync) SetLanguage(language string) error {
	if _, ok := languageExt[language]; !ok {
		return apperr.InvalidArgument("unsupported language: " + language)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = language
	return nil
}

func (c *CodeSync) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// DownloadName is the file name used when saving the document locally
func (c *CodeSync) DownloadName() string {
	lang := c.Language()
	return lang + "." + languageExt[lang]
}

func (c *CodeSync) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

func (c *CodeSync) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor > 0
}

func (c *CodeSync) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor < len(c.history)-1
}

// Close stops a pending broadcast. Later edits are ignored.
func (c *CodeSync) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancelLocked()
}

func (c *CodeSync) pushLocked(content string) {
	c.history = append(c.history[:c.cursor+1], content)
	c.cursor = len(c.history) - 1
}

func (c *CodeSync) scheduleLocked() {
	c.cancelLocked()
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.flush(gen) })
}

// cancelLocked also invalidates a timer that already fired and waits on mu
func (c *CodeSync) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *CodeSync) flush(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ev := protocol.CodeChange{
		RoomID:   c.roomID,
		Content:  c.content,
		Username: c.username,
		Language: c.language,
	}
	c.mu.Unlock()

	if err := c.ch.Emit(ev); err != nil {
		c.logger.Warn("Failed to broadcast code change", zap.Error(err))
	}
}
