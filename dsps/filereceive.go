package dsps

import (
	"hash"
	"hash/crc32"
	"regexp"
	"strconv"
	"sync"

	"blelink/events"
)

// headerPattern matches the received-file header: up to 100 ignored
// leading characters, then Name/Size/optional CRC fields,
// terminated by the literal string "END" (followed by whitespace) or a
// NUL byte. (?s) makes "." match newlines, since a binary payload can
// follow the header on the same read.
var headerPattern = regexp.MustCompile(`(?is)^.{0,100}?Name:\s+(\S{1,100})\s+Size:\s+(\d{1,9})\s+(?:CRC:\s+([0-9A-Fa-f]{8})\s+)?(?:END\s+|\x00)`)

// headerScanCap bounds how long header_buffer is allowed to grow without
// a match before it is given up on and reset - an upper bound on noise
// (100) plus generous room for the longest possible Name/Size/CRC fields.
const headerScanCap = 100 + 100 + 64

type fileReceiveState int

const (
	frAwaitingHeader fileReceiveState = iota
	frReceiving
)

// FileReceive captures one structured inbound file: a rolling header
// parse followed by a length- and CRC-checked byte sink.
type FileReceive struct {
	sinkFactory func(name string) (ByteSink, error)
	bus         events.Bus
	sessionID   string

	mu            sync.Mutex
	state         fileReceiveState
	headerBuf     []byte
	name          string
	size          int64
	bytesReceived int64
	crcExpected   *uint32
	crcHash       hash.Hash32
	sink          ByteSink
	done          bool
	statsHook     func(n int)
	onDone        func()
}

// SetOnDone installs a callback fired once the declared byte count has
// been captured.
func (fr *FileReceive) SetOnDone(fn func()) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.onDone = fn
}

// SetStatsHook installs a payload byte counter callback, invoked with
// each accepted (post-clamp) payload write.
func (fr *FileReceive) SetStatsHook(fn func(n int)) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.statsHook = fn
}

// NewFileReceive constructs a FileReceive awaiting its header. sinkFactory
// opens a destination for the name the header declares.
func NewFileReceive(sinkFactory func(name string) (ByteSink, error), bus events.Bus, sessionID string) *FileReceive {
	if bus == nil {
		bus = events.Discard
	}
	return &FileReceive{sinkFactory: sinkFactory, bus: bus, sessionID: sessionID}
}

// Name, Size, BytesReceived, Done report transfer progress.
func (fr *FileReceive) Name() string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.name
}
func (fr *FileReceive) Size() int64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.size
}
func (fr *FileReceive) BytesReceived() int64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.bytesReceived
}
func (fr *FileReceive) Done() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.done
}

// Feed delivers the next chunk of inbound DSPS bytes.
func (fr *FileReceive) Feed(data []byte) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.done {
		return
	}
	switch fr.state {
	case frAwaitingHeader:
		fr.feedHeader(data)
	case frReceiving:
		fr.feedPayload(data)
	}
}

// feedHeader accumulates into headerBuf and attempts a match after
// every append. Caller holds mu.
func (fr *FileReceive) feedHeader(data []byte) {
	fr.headerBuf = append(fr.headerBuf, data...)

	loc := headerPattern.FindSubmatchIndex(fr.headerBuf)
	if loc == nil {
		if len(fr.headerBuf) >= headerScanCap {
			fr.headerBuf = nil
		}
		return
	}

	name := string(fr.headerBuf[loc[2]:loc[3]])
	sizeStr := string(fr.headerBuf[loc[4]:loc[5]])
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		fr.bus.Emit(events.Event{Kind: events.KindDspsFileError, SessionID: fr.sessionID, Payload: err.Error()})
		fr.headerBuf = nil
		return
	}

	var crcExpected *uint32
	if loc[6] >= 0 {
		v, _ := strconv.ParseUint(string(fr.headerBuf[loc[6]:loc[7]]), 16, 32)
		u := uint32(v)
		crcExpected = &u
	}

	payload := append([]byte(nil), fr.headerBuf[loc[1]:]...)
	fr.headerBuf = nil

	sink, err := fr.sinkFactory(name)
	if err != nil {
		fr.bus.Emit(events.Event{Kind: events.KindDspsFileError, SessionID: fr.sessionID, Payload: err.Error()})
		return
	}
	if err := sink.Open(); err != nil {
		fr.bus.Emit(events.Event{Kind: events.KindDspsFileError, SessionID: fr.sessionID, Payload: err.Error()})
		return
	}

	fr.name = name
	fr.size = size
	fr.crcExpected = crcExpected
	if crcExpected != nil {
		fr.crcHash = crc32.NewIEEE()
	}
	fr.sink = sink
	fr.state = frReceiving
	fr.bus.Emit(events.Event{Kind: events.KindDspsRxFileData, SessionID: fr.sessionID, Payload: FileReceiveStarted{Name: name, Size: size}})

	if len(payload) > 0 {
		fr.feedPayload(payload)
	}
}

// feedPayload clamps to the remaining byte count, writes to the sink,
// feeds the running CRC, and completes the transfer once full. Caller
// holds mu.
func (fr *FileReceive) feedPayload(data []byte) {
	remaining := fr.size - fr.bytesReceived
	if int64(len(data)) > remaining {
		data = data[:remaining]
	}
	if len(data) == 0 {
		return
	}
	n, err := fr.sink.Write(data)
	if err != nil {
		fr.bus.Emit(events.Event{Kind: events.KindDspsFileError, SessionID: fr.sessionID, Payload: err.Error()})
		return
	}
	if fr.crcHash != nil {
		fr.crcHash.Write(data[:n])
	}
	fr.bytesReceived += int64(n)
	if fr.statsHook != nil {
		fr.statsHook(n)
	}
	fr.bus.Emit(events.Event{
		Kind: events.KindDspsRxFileData, SessionID: fr.sessionID,
		Payload: FileReceiveProgress{Received: fr.bytesReceived, Total: fr.size},
	})
	if fr.bytesReceived >= fr.size {
		fr.complete()
	}
}

// complete closes the sink and, if a CRC was declared, emits the
// DspsRxFileCrc verdict. Caller holds mu.
func (fr *FileReceive) complete() {
	fr.done = true
	_ = fr.sink.Close()
	if fr.onDone != nil {
		fr.onDone()
	}
	if fr.crcExpected == nil {
		return
	}
	computed := fr.crcHash.Sum32()
	fr.bus.Emit(events.Event{
		Kind: events.KindDspsRxFileCrc, SessionID: fr.sessionID,
		Payload: FileReceiveCRC{Computed: computed, Expected: *fr.crcExpected, OK: computed == *fr.crcExpected},
	})
}
