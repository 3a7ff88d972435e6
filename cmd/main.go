package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ergochat/readline"

	"github.com/drpcorg/zadacha"
	"github.com/drpcorg/zadacha/tasks"
	"github.com/drpcorg/zadacha/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("start"),
	readline.PcItem("stop"),
	readline.PcItem("state"),
	readline.PcItem("verify"),
	readline.PcItem("tasks"),
	readline.PcItem("task"),
	readline.PcItem("indexes"),
	readline.PcItem("files"),
	readline.PcItem("cancel"),
	readline.PcItem("delete"),
	readline.PcItem("dump"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `commands:
  start                      run the scheduler loop in the background
  stop                       stop the scheduler loop
  state                      print the full scheduler state
  verify                     check records against the secondary indices
  tasks [key=value ...]      list tasks; keys: status, kind, index, uids, limit, from, reverse
  task <uid>                 print one task as json
  indexes                    list indexes with document counts
  files                      list stored content files
  cancel <uid> [uid ...]     enqueue a cancelation for the given tasks
  delete <uid> [uid ...]     enqueue a deletion for the given tasks
  dump                       enqueue a dump creation
  exit | quit                close the scheduler and leave
`

// CLI drives one open scheduler, interactively or for a single command.
type CLI struct {
	s    *zadacha.Scheduler
	stop context.CancelFunc
	done chan error
}

func (c *CLI) Start() error {
	if c.stop != nil {
		return fmt.Errorf("the loop is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan error, 1)
	go func() {
		c.done <- c.s.Run(ctx)
	}()
	return nil
}

func (c *CLI) Stop() error {
	if c.stop == nil {
		return fmt.Errorf("the loop is not running")
	}
	c.stop()
	err := <-c.done
	c.stop = nil
	c.done = nil
	return err
}

func (c *CLI) Close() error {
	if c.stop != nil {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	return c.s.Close()
}

func parseUIDs(args []string) ([]tasks.TaskID, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one task uid")
	}
	uids := make([]tasks.TaskID, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad task uid %q", arg)
		}
		uids = append(uids, tasks.TaskID(n))
	}
	return uids, nil
}

func parseQuery(args []string) (*tasks.Query, error) {
	q := &tasks.Query{}
	for _, arg := range args {
		if arg == "reverse" {
			q.Reverse = true
			continue
		}
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch key {
		case "status":
			for _, name := range strings.Split(value, ",") {
				st, err := tasks.ParseStatus(name)
				if err != nil {
					return nil, err
				}
				q.Statuses = append(q.Statuses, st)
			}
		case "kind":
			for _, name := range strings.Split(value, ",") {
				k, err := tasks.ParseKind(name)
				if err != nil {
					return nil, err
				}
				q.Kinds = append(q.Kinds, k)
			}
		case "index":
			q.IndexUIDs = append(q.IndexUIDs, strings.Split(value, ",")...)
		case "uids":
			uids, err := parseUIDs(strings.Split(value, ","))
			if err != nil {
				return nil, err
			}
			q.UIDs = append(q.UIDs, uids...)
		case "limit":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad limit %q", value)
			}
			limit := uint32(n)
			q.Limit = &limit
		case "from":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad from %q", value)
			}
			from := tasks.TaskID(n)
			q.From = &from
		default:
			return nil, fmt.Errorf("unknown query key %q", key)
		}
	}
	return q, nil
}

func uidQueryString(uids []tasks.TaskID) string {
	parts := make([]string, 0, len(uids))
	for _, uid := range uids {
		parts = append(parts, strconv.FormatUint(uint64(uid), 10))
	}
	return "?uids=" + strings.Join(parts, ",")
}

func (c *CLI) Command(cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Print(usage)
	case "start":
		return c.Start()
	case "stop":
		return c.Stop()
	case "state":
		return c.s.DumpState(os.Stdout)
	case "verify":
		if err := c.s.Verify(); err != nil {
			return err
		}
		fmt.Println("ok")
	case "tasks":
		q, err := parseQuery(args)
		if err != nil {
			return err
		}
		matched, err := c.s.Tasks(q)
		if err != nil {
			return err
		}
		for _, t := range matched {
			fmt.Printf("%d\t%s\t%s\t%s\n", t.UID, t.Status, t.Kind, t.IndexUID)
		}
	case "task":
		uids, err := parseUIDs(args)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			t, err := c.s.GetTask(uid)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(t, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
	case "indexes":
		names, err := c.s.IndexNames()
		if err != nil {
			return err
		}
		for _, name := range names {
			stats, err := c.s.IndexStats(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d documents\n", name, stats.NumberOfDocuments)
		}
	case "files":
		ids, err := c.s.ContentFiles()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id.String())
		}
	case "cancel":
		uids, err := parseUIDs(args)
		if err != nil {
			return err
		}
		t, err := c.s.Enqueue(context.Background(), tasks.TaskCancelation(uidQueryString(uids), uids))
		if err != nil {
			return err
		}
		fmt.Printf("enqueued cancelation %d\n", t.UID)
	case "delete":
		uids, err := parseUIDs(args)
		if err != nil {
			return err
		}
		t, err := c.s.Enqueue(context.Background(), tasks.TaskDeletion(uidQueryString(uids), uids))
		if err != nil {
			return err
		}
		fmt.Printf("enqueued deletion %d\n", t.UID)
	case "dump":
		t, err := c.s.Enqueue(context.Background(), tasks.DumpCreation())
		if err != nil {
			return err
		}
		fmt.Printf("enqueued dump %d\n", t.UID)
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
	return nil
}

// run blocks on the loop until an interrupt.
func (c *CLI) run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return c.s.Run(ctx)
}

func (c *CLI) interactive() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".zadacha_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		if cmd == "exit" || cmd == "quit" {
			return nil
		}
		if err := c.Command(cmd, args); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, err.Error())
		}
	}
}

func main() {
	confPath := flag.String("config", "", "yaml config file")
	dir := flag.String("dir", "", "data directory (overrides the config)")
	logLevel := flag.String("log", "", "log level: debug, info, warn, error")
	flag.Parse()

	var opts zadacha.Options
	dataDir := *dir
	if *confPath != "" {
		conf, err := zadacha.LoadConfig(*confPath)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		opts, err = conf.Options()
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if dataDir == "" {
			dataDir = conf.Dir
		}
	}
	if *logLevel != "" {
		level, err := utils.ParseLevel(*logLevel)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		opts.Logger = utils.NewDefaultLogger(level)
	}
	if dataDir == "" {
		dataDir = "zadacha_data"
	}

	s, err := zadacha.Open(dataDir, opts)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	cli := &CLI{s: s}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "run" {
			err = cli.run()
		} else {
			err = cli.Command(args[0], args[1:])
		}
	} else {
		err = cli.interactive()
	}

	if closeErr := cli.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
