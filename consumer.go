// Consumer is a durable cursor over a named index (primary or
// secondary) that catches up in bounded batches, then switches to
// event-driven tailing, persisting its position and optional user state
// transactionally. Delivery is at-least-once: a crash between delivery
// and persistence redelivers on restart, but a number is never skipped.
package nestor

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// maxCatchUpBatch bounds how many entries Consumer reads per cooperative
// catch-up step, yielding between batches so writers and other consumers
// make progress.
const maxCatchUpBatch = 10

// Handler receives a delivered document. Returning an error halts further
// delivery; the consumer does not advance past the failing entry.
type Handler func(doc any, number int) error

// Consumer holds a non-owning handle to its Storage: Storage owns every
// Partition and Index, Consumer only reads through them. Drop consumers
// before closing Storage.
type Consumer struct {
	mu sync.Mutex

	storage   *Storage
	indexName string

	cursorPath string

	position int
	state    any

	consuming      bool
	handleDocument bool

	handler Handler

	subToken   uint64
	subscribed bool

	em *emitter
}

// NewConsumer loads (or creates) a durable cursor named identifier over
// indexName ("" for the primary index) and returns a Consumer ready for
// Start. startFrom is used only when no cursor file exists yet.
func NewConsumer(storage *Storage, indexName, identifier string, startFrom int, handler Handler) (*Consumer, error) {
	dir := filepath.Join(storage.cfg.IndexDirectory, "consumers")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fileName := storage.cfg.StorageFile + "." + indexNameOrPrimary(indexName) + "." + identifier
	path := filepath.Join(dir, fileName)

	c := &Consumer{
		storage:    storage,
		indexName:  indexName,
		cursorPath: path,
		position:   startFrom,
		em:         newEmitter(),
	}

	if err := c.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	c.handler = handler
	return c, nil
}

func indexNameOrPrimary(name string) string {
	if name == "" {
		return "primary"
	}
	return name
}

func (c *Consumer) load() error {
	data, err := os.ReadFile(c.cursorPath)
	if err != nil {
		return err
	}
	if len(data) < 4 {
		return nil
	}
	c.position = int(int32(binary.LittleEndian.Uint32(data[0:4])))
	if len(data) > 4 {
		var state any
		if err := json.Unmarshal(data[4:], &state); err == nil {
			c.state = state
		}
	}
	return nil
}

// persist writes the cursor record (4-byte LE position + JSON state) to
// a temp file and renames it into place, so a crash mid-write never
// leaves a torn cursor.
func (c *Consumer) persist() error {
	c.mu.Lock()
	position := c.position
	state := c.state
	c.mu.Unlock()

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(stateBytes))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(position)))
	copy(buf[4:], stateBytes)

	tmp := c.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.cursorPath); err != nil {
		return err
	}
	c.em.emit(evPersisted, position)
	return nil
}

// Position returns the last persisted-or-delivered entry number.
func (c *Consumer) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// SetState records newState to be included in the next persistence
// record. Legal only from inside Handler's synchronous callback.
func (c *Consumer) SetState(newState any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.handleDocument {
		return ErrStateMutation
	}
	c.state = newState
	return nil
}

// Subscribe registers fn for events of kind ("caught-up", "persisted").
func (c *Consumer) Subscribe(kind string, fn func(args ...any)) uint64 {
	return c.em.subscribe(eventKind(kind), fn)
}

// Start begins catch-up, then switches to tailing once the index is
// exhausted. It returns once tailing has begun (not when it ends);
// tailing runs until Stop is called.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		return nil
	}
	c.consuming = true
	c.mu.Unlock()

	if err := c.catchUp(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.consuming {
		c.mu.Unlock()
		return nil
	}
	c.subToken = c.storage.Subscribe("index-add", c.handleIndexAddEvent)
	c.subscribed = true
	c.mu.Unlock()

	c.em.emit(evCaughtUp)
	return nil
}

// catchUp reads entries in bounded batches until the index is drained or
// Stop is called between batches.
func (c *Consumer) catchUp() error {
	for {
		c.mu.Lock()
		if !c.consuming {
			c.mu.Unlock()
			return nil
		}
		from := c.position + 1
		c.mu.Unlock()

		length, err := c.storage.IndexLength(c.indexName)
		if err != nil {
			return err
		}
		if from > length {
			return nil
		}

		until := from + maxCatchUpBatch - 1
		if until > length {
			until = length
		}

		for n := from; n <= until; n++ {
			c.mu.Lock()
			stillConsuming := c.consuming
			c.mu.Unlock()
			if !stillConsuming {
				return nil
			}

			doc, ok, err := c.storage.Read(n, c.indexName)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := c.deliver(doc, n); err != nil {
				return err
			}
		}

		c.mu.Lock()
		stillConsuming := c.consuming
		c.mu.Unlock()
		if !stillConsuming {
			return nil
		}
		if err := c.persist(); err != nil {
			return err
		}
	}
}

// deliver invokes the handler with handleDocument set, so SetState is
// legal for exactly the duration of the call, and advances position by
// exactly one on success.
func (c *Consumer) deliver(doc any, number int) error {
	c.mu.Lock()
	c.handleDocument = true
	c.mu.Unlock()

	err := c.handler(doc, number)

	c.mu.Lock()
	c.handleDocument = false
	if err == nil {
		c.position = number
	}
	c.mu.Unlock()

	return err
}

// handleIndexAddEvent is the tailing callback subscribed to Storage's
// "index-add" event. It accepts only events for this consumer's index
// and only the entry immediately following position, enforcing
// monotonic advance by exactly one.
func (c *Consumer) handleIndexAddEvent(args ...any) {
	if len(args) != 3 {
		return
	}
	name, _ := args[0].(string)
	number, _ := args[1].(uint32)
	doc := args[2]

	if name != c.indexName {
		return
	}

	c.mu.Lock()
	expected := c.position + 1
	consuming := c.consuming
	c.mu.Unlock()

	if !consuming || int(number) != expected {
		return
	}

	if err := c.deliver(doc, int(number)); err != nil {
		return
	}
	c.persist()
}

// Stop halts catch-up and tailing cooperatively at the next yield point
// and unsubscribes from further index-add events. In-flight persistence
// is allowed to complete.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.consuming = false
	subscribed := c.subscribed
	token := c.subToken
	c.subscribed = false
	c.mu.Unlock()

	if subscribed {
		c.storage.Unsubscribe("index-add", token)
	}
}
