package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/resource"
	"github.com/gallerydl/gdlsync/internal/view"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Thread string
	Mode   string
	Stdin  bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [urls...]",
		Short: "Follow jobs live in the terminal",
		Long: `Follow download jobs live. Every url given becomes a link slot bound
under the --thread origin and shows the state of its job.

With --stdin, lines read from standard input add ("+url" or "url") and
remove ("-url") links while watching.

Example:
  gdlsync watch https://gofile.io/d/abc --thread my-thread
  tail -f links.txt | gdlsync watch --stdin --mode all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Thread, "thread", "cli", "origin the links are bound under")
	cmd.Flags().StringVar(&opts.Mode, "mode", "thread", "visible jobs (thread|all)")
	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read link changes from standard input")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, args []string) error {
	mode, err := view.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "mode", err)
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, opts.Verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}

	w := newWatcher(opts.Thread, cmd.OutOrStdout())
	updates := rt.engine.Subscribe()
	defer rt.engine.Unsubscribe(updates)

	events := make(chan binding.Event, 16)
	go rt.engine.Consume(ctx, events)
	for _, u := range args {
		events <- w.add(u)
	}
	if opts.Stdin {
		go w.readLines(ctx, cmd.InOrStdin(), events)
	}

	for {
		w.draw(rt.engine.Projection(mode, opts.Thread))
		select {
		case <-ctx.Done():
			stop()
			rt.wait()
			return nil
		case <-updates:
		case <-w.redraw:
		}
	}
}

// watcher owns the terminal link slots of a watch session.
type watcher struct {
	origin   string
	out      io.Writer
	renderer view.Renderer
	clear    bool
	redraw   chan struct{}

	mu    sync.Mutex
	next  int
	slots []*view.Slot
}

func newWatcher(origin string, out io.Writer) *watcher {
	w := &watcher{origin: origin, out: out, redraw: make(chan struct{}, 1)}
	w.renderer.NoColor = true
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		w.renderer.NoColor = false
		w.clear = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			w.renderer.Width = width
		}
	}
	return w
}

// add creates a slot for locator and returns its discovery event.
func (w *watcher) add(locator string) binding.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	h := binding.Handle(fmt.Sprintf("slot-%d", w.next))
	s := view.NewSlot(h, locator, binding.DefaultVisual, w.requestRedraw)
	w.slots = append(w.slots, s)
	return binding.Event{Kind: binding.Added, Locator: locator, Handle: h, Origin: w.origin, Trigger: s}
}

// remove drops every slot whose locator shares a key with locator and
// returns their removal events.
func (w *watcher) remove(locator string) []binding.Event {
	key := resource.Normalize(locator)
	w.mu.Lock()
	defer w.mu.Unlock()
	var evs []binding.Event
	kept := w.slots[:0]
	for _, s := range w.slots {
		if resource.Normalize(s.Key()) == key {
			evs = append(evs, binding.Event{Kind: binding.Removed, Locator: s.Key(), Handle: s.Handle(), Origin: w.origin})
			continue
		}
		kept = append(kept, s)
	}
	w.slots = kept
	return evs
}

func (w *watcher) snapshot() []*view.Slot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*view.Slot(nil), w.slots...)
}

func (w *watcher) requestRedraw() {
	select {
	case w.redraw <- struct{}{}:
	default:
	}
}

func (w *watcher) draw(p view.Projection) {
	if w.clear {
		fmt.Fprint(w.out, "\033[H\033[2J")
	}
	fmt.Fprint(w.out, w.renderer.Render(p, w.snapshot()))
	if !w.clear {
		fmt.Fprintln(w.out)
	}
}

// readLines turns input lines into discovery events until r is exhausted
// or ctx is done.
func (w *watcher) readLines(ctx context.Context, r io.Reader, events chan<- binding.Event) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		kind, locator, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		var evs []binding.Event
		if kind == binding.Added {
			evs = []binding.Event{w.add(locator)}
		} else {
			evs = w.remove(locator)
			w.requestRedraw()
		}
		for _, ev := range evs {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseLine reads "+url", "-url" or a bare url. Blank lines and lines
// starting with # are skipped.
func parseLine(line string) (binding.EventKind, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	kind := binding.Added
	switch line[0] {
	case '+':
		line = line[1:]
	case '-':
		kind = binding.Removed
		line = line[1:]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, "", false
	}
	return kind, line, true
}
