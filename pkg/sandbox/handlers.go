package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/interp"
)

// execHandler dispatches commands to the built-in utility set. The host
// exec handler is never consulted: anything not listed here does not exist
// inside the sandbox.
func (st *State) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return nil
		}
		hc := interp.HandlerCtx(ctx)
		switch args[0] {
		case "ls":
			return st.cmdLs(hc, args[1:])
		case "cat":
			return st.cmdCat(hc, args[1:])
		case "mkdir":
			return st.cmdMkdir(hc, args[1:])
		case "rm":
			return st.cmdRm(hc, args[1:])
		case "touch":
			return st.cmdTouch(hc, args[1:])
		case "head":
			return st.cmdHead(hc, args[1:])
		case "wc":
			return st.cmdWc(hc, args[1:])
		case "sleep":
			return cmdSleep(ctx, hc, args[1:])
		default:
			fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
			return interp.NewExitStatus(127)
		}
	}
}

// openHandler routes file opens to the in-memory filesystem. /dev/null is
// emulated; no host path is ever reachable.
func (st *State) openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	hc := interp.HandlerCtx(ctx)
	resolved := resolvePath(hc.Dir, path)
	if resolved == "/dev/null" {
		return devNull{}, nil
	}
	file, err := st.fs.OpenFile(resolved, flag, perm)
	if err != nil {
		return nil, err
	}
	return file.(io.ReadWriteCloser), nil
}

func (st *State) statHandler(ctx context.Context, name string, followSymlinks bool) (os.FileInfo, error) {
	hc := interp.HandlerCtx(ctx)
	resolved := resolvePath(hc.Dir, name)
	if !followSymlinks {
		if lfs, ok := st.fs.(afero.Lstater); ok {
			fi, _, err := lfs.LstatIfPossible(resolved)
			return fi, err
		}
	}
	return st.fs.Stat(resolved)
}

func (st *State) readDirHandler(ctx context.Context, path string) ([]os.FileInfo, error) {
	hc := interp.HandlerCtx(ctx)
	return afero.ReadDir(st.fs, resolvePath(hc.Dir, path))
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(cwd, path))
}

// devNull emulates /dev/null: reads hit EOF, writes are discarded.
type devNull struct{}

func (devNull) Read([]byte) (int, error)    { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }
func (devNull) Close() error                { return nil }

func (st *State) cmdLs(hc interp.HandlerContext, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}
	status := 0
	for _, p := range paths {
		resolved := resolvePath(hc.Dir, p)
		info, err := st.fs.Stat(resolved)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "ls: %s: no such file or directory\n", p)
			status = 1
			continue
		}
		if !info.IsDir() {
			fmt.Fprintln(hc.Stdout, p)
			continue
		}
		entries, err := afero.ReadDir(st.fs, resolved)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "ls: %s: %v\n", p, err)
			status = 1
			continue
		}
		for _, e := range entries {
			fmt.Fprintln(hc.Stdout, e.Name())
		}
	}
	if status != 0 {
		return interp.NewExitStatus(1)
	}
	return nil
}

func (st *State) cmdCat(hc interp.HandlerContext, args []string) error {
	if len(args) == 0 {
		_, err := io.Copy(hc.Stdout, hc.Stdin)
		return err
	}
	for _, p := range args {
		file, err := st.fs.Open(resolvePath(hc.Dir, p))
		if err != nil {
			fmt.Fprintf(hc.Stderr, "cat: %s: no such file or directory\n", p)
			return interp.NewExitStatus(1)
		}
		_, err = io.Copy(hc.Stdout, file)
		file.Close()
		if err != nil {
			fmt.Fprintf(hc.Stderr, "cat: %s: %v\n", p, err)
			return interp.NewExitStatus(1)
		}
	}
	return nil
}

func (st *State) cmdMkdir(hc interp.HandlerContext, args []string) error {
	made := false
	for _, p := range args {
		if p == "-p" {
			continue
		}
		if err := st.fs.MkdirAll(resolvePath(hc.Dir, p), 0o755); err != nil {
			fmt.Fprintf(hc.Stderr, "mkdir: %s: %v\n", p, err)
			return interp.NewExitStatus(1)
		}
		made = true
	}
	if !made {
		fmt.Fprintln(hc.Stderr, "mkdir: missing operand")
		return interp.NewExitStatus(1)
	}
	return nil
}

func (st *State) cmdRm(hc interp.HandlerContext, args []string) error {
	recursive, force := false, false
	var paths []string
	for _, a := range args {
		switch a {
		case "-r", "-rf", "-fr":
			recursive = true
			force = force || strings.Contains(a, "f")
		case "-f":
			force = true
		default:
			paths = append(paths, a)
		}
	}
	if len(paths) == 0 {
		fmt.Fprintln(hc.Stderr, "rm: missing operand")
		return interp.NewExitStatus(1)
	}
	for _, p := range paths {
		resolved := resolvePath(hc.Dir, p)
		var err error
		if recursive {
			err = st.fs.RemoveAll(resolved)
		} else {
			err = st.fs.Remove(resolved)
		}
		if err != nil && !force {
			fmt.Fprintf(hc.Stderr, "rm: %s: %v\n", p, err)
			return interp.NewExitStatus(1)
		}
	}
	return nil
}

func (st *State) cmdTouch(hc interp.HandlerContext, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(hc.Stderr, "touch: missing operand")
		return interp.NewExitStatus(1)
	}
	now := time.Now()
	for _, p := range args {
		resolved := resolvePath(hc.Dir, p)
		if _, err := st.fs.Stat(resolved); err != nil {
			file, err := st.fs.Create(resolved)
			if err != nil {
				fmt.Fprintf(hc.Stderr, "touch: %s: %v\n", p, err)
				return interp.NewExitStatus(1)
			}
			file.Close()
			continue
		}
		_ = st.fs.Chtimes(resolved, now, now)
	}
	return nil
}

func (st *State) cmdHead(hc interp.HandlerContext, args []string) error {
	lines := 10
	var paths []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 0 {
				fmt.Fprintf(hc.Stderr, "head: invalid line count: %s\n", args[i+1])
				return interp.NewExitStatus(1)
			}
			lines = n
			i++
			continue
		}
		paths = append(paths, args[i])
	}
	var src io.Reader = hc.Stdin
	if len(paths) > 0 {
		file, err := st.fs.Open(resolvePath(hc.Dir, paths[0]))
		if err != nil {
			fmt.Fprintf(hc.Stderr, "head: %s: no such file or directory\n", paths[0])
			return interp.NewExitStatus(1)
		}
		defer file.Close()
		src = file
	}
	scanner := bufio.NewScanner(src)
	for i := 0; i < lines && scanner.Scan(); i++ {
		fmt.Fprintln(hc.Stdout, scanner.Text())
	}
	return nil
}

func (st *State) cmdWc(hc interp.HandlerContext, args []string) error {
	mode := ""
	var paths []string
	for _, a := range args {
		switch a {
		case "-l", "-w", "-c":
			mode = a
		default:
			paths = append(paths, a)
		}
	}
	var src io.Reader = hc.Stdin
	label := ""
	if len(paths) > 0 {
		file, err := st.fs.Open(resolvePath(hc.Dir, paths[0]))
		if err != nil {
			fmt.Fprintf(hc.Stderr, "wc: %s: no such file or directory\n", paths[0])
			return interp.NewExitStatus(1)
		}
		defer file.Close()
		src = file
		label = " " + paths[0]
	}
	data, err := io.ReadAll(src)
	if err != nil {
		fmt.Fprintf(hc.Stderr, "wc: %v\n", err)
		return interp.NewExitStatus(1)
	}
	text := string(data)
	lineCount := strings.Count(text, "\n")
	wordCount := len(strings.Fields(text))
	byteCount := len(data)
	switch mode {
	case "-l":
		fmt.Fprintf(hc.Stdout, "%d%s\n", lineCount, label)
	case "-w":
		fmt.Fprintf(hc.Stdout, "%d%s\n", wordCount, label)
	case "-c":
		fmt.Fprintf(hc.Stdout, "%d%s\n", byteCount, label)
	default:
		fmt.Fprintf(hc.Stdout, "%d %d %d%s\n", lineCount, wordCount, byteCount, label)
	}
	return nil
}

func cmdSleep(ctx context.Context, hc interp.HandlerContext, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(hc.Stderr, "sleep: missing operand")
		return interp.NewExitStatus(1)
	}
	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil || seconds < 0 {
		fmt.Fprintf(hc.Stderr, "sleep: invalid time interval: %s\n", args[0])
		return interp.NewExitStatus(1)
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
