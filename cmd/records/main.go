// Command records lists, renames and deletes recorded sessions and clips.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/session"
)

const usage = `usage: records [flags] <command> [args]

commands:
  list                          list sessions, newest first
  files <session>               list clips of a session
  rename <session> <old> <new>  rename a clip (extension kept)
  rm <session> <file>           delete a clip
  rename-session <old> <new>    rename an inactive session
  rm-session <session>          delete an inactive session

flags:
`

type options struct {
	configPath string
	root       string
	daemon     string
	asJSON     bool
}

func main() {
	logger.Init(logger.WARN, os.Stderr, false)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "records: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "JSON config file")
	fs.StringVar(&opts.root, "records", "", "Records root (overrides config)")
	fs.StringVar(&opts.daemon, "daemon", "", "Daemon URL used to find the active session")
	fs.BoolVar(&opts.asJSON, "json", false, "Print JSON")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.root != "" {
		cfg.Recording.RecordsRoot = opts.root
	}
	store := session.NewStore(cfg.Recording.RecordsRoot, cfg.Recording.SessionPrefix)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, rest := rest[0], rest[1:]
	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", cmd, n, len(rest))
		}
		return nil
	}

	switch cmd {
	case "list":
		if err := need(0); err != nil {
			return err
		}
		infos, err := store.List()
		if err != nil {
			return err
		}
		active, err := activeSession(opts.daemon)
		if err != nil {
			logger.Warn("Records", "%v", err)
		}
		if opts.asJSON {
			return printJSON(out, map[string]any{"sessions": infos, "active": active})
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tFILES\tSIZE\tMODIFIED\t")
		for _, info := range infos {
			name := info.Name
			if name == active {
				name += " *"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t\n", name, info.FileCount,
				humanize.Bytes(uint64(info.TotalBytes)), info.LastModified.Format(time.DateTime))
		}
		return tw.Flush()

	case "files":
		if err := need(1); err != nil {
			return err
		}
		files, err := store.Files(rest[0])
		if err != nil {
			return err
		}
		if opts.asJSON {
			return printJSON(out, map[string]any{"files": files})
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tSIZE\tMODIFIED\t")
		for _, f := range files {
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", f.Name, humanize.Bytes(uint64(f.Size)), humanize.Time(f.Modified))
		}
		return tw.Flush()

	case "rename":
		if err := need(3); err != nil {
			return err
		}
		name, err := store.RenameFile(rest[0], rest[1], rest[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "renamed %s/%s -> %s\n", rest[0], rest[1], name)

	case "rm":
		if err := need(2); err != nil {
			return err
		}
		if err := store.DeleteFile(rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s/%s\n", rest[0], rest[1])

	case "rename-session":
		if err := need(2); err != nil {
			return err
		}
		active, err := activeSession(opts.daemon)
		if err != nil {
			return err
		}
		if err := store.RenameSession(rest[0], rest[1], active); err != nil {
			return err
		}
		fmt.Fprintf(out, "renamed session %s -> %s\n", rest[0], rest[1])

	case "rm-session":
		if err := need(1); err != nil {
			return err
		}
		active, err := activeSession(opts.daemon)
		if err != nil {
			return err
		}
		if err := store.DeleteSession(rest[0], active); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted session %s\n", rest[0])

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// activeSession asks a running daemon which session it writes to. Without
// a daemon every session is treated as inactive.
func activeSession(base string) (string, error) {
	if base == "" {
		return "", nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		return "", fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	var health struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", fmt.Errorf("bad health response from %s: %w", base, err)
	}
	return health.Session, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
