package buildspec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// ParseFile reads a directive file. The spec name defaults to the file name
// without extension.
func ParseFile(path string) (*BuildSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spec: %w", err)
	}
	defer f.Close()

	spec, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return spec, nil
}

// Parse reads the line-oriented directive format:
//
//	FROM <base-ref>
//	INSTALL <pkg>...
//	ENV <NAME>=<value>...
//	RUN [--exit=N] [--timeout=D] <argv>...
//	LINK <source> <target>
//	VERIFY [--exit=N] [--timeout=D] <argv>...
//	CMD <argv>... | CMD ["argv", ...]
//
// Blank lines and lines starting with # are ignored; a trailing backslash
// joins the next line. Directives are case-insensitive.
func Parse(r io.Reader) (*BuildSpec, error) {
	spec := &BuildSpec{}
	scanner := bufio.NewScanner(r)

	var (
		pending   strings.Builder
		startLine int
		lineNo    int
	)
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if pending.Len() == 0 {
			if raw == "" || strings.HasPrefix(raw, "#") {
				continue
			}
			startLine = lineNo
		}
		if strings.HasSuffix(raw, "\\") {
			pending.WriteString(strings.TrimSuffix(raw, "\\"))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(raw)
		line := pending.String()
		pending.Reset()

		if err := parseDirective(spec, startLine, line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	if pending.Len() > 0 {
		return nil, specErrorf(startLine, "unterminated line continuation")
	}
	return spec, nil
}

func parseDirective(spec *BuildSpec, line int, text string) error {
	keyword, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(keyword) {
	case "FROM":
		if spec.BaseImage != "" {
			return specErrorf(line, "duplicate FROM directive")
		}
		args, err := split(line, rest)
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return specErrorf(line, "FROM takes exactly one image reference")
		}
		spec.BaseImage = args[0]
	case "INSTALL":
		args, err := split(line, rest)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return specErrorf(line, "INSTALL requires at least one package")
		}
		step := InstallPackages(args...)
		step.Line = line
		spec.Steps = append(spec.Steps, step)
	case "ENV":
		args, err := split(line, rest)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return specErrorf(line, "ENV requires NAME=value")
		}
		for _, arg := range args {
			name, value, ok := strings.Cut(arg, "=")
			if !ok || !validName(name) {
				return specErrorf(line, "invalid ENV assignment %q", arg)
			}
			step := SetEnv(name, value)
			step.Line = line
			spec.Steps = append(spec.Steps, step)
		}
	case "RUN":
		step, err := parseCommand(line, rest)
		if err != nil {
			return err
		}
		spec.Steps = append(spec.Steps, step)
	case "LINK":
		args, err := split(line, rest)
		if err != nil {
			return err
		}
		if len(args) != 2 {
			return specErrorf(line, "LINK takes a source and a target")
		}
		step := LinkFile(args[0], args[1])
		step.Line = line
		spec.Steps = append(spec.Steps, step)
	case "VERIFY":
		if spec.Verification != nil {
			return specErrorf(line, "multiple verification steps")
		}
		step, err := parseCommand(line, rest)
		if err != nil {
			return err
		}
		spec.Verification = &step
	case "CMD":
		args, err := parseCmd(line, rest)
		if err != nil {
			return err
		}
		spec.Cmd = args
	default:
		return specErrorf(line, "unknown directive %q", keyword)
	}
	return nil
}

func parseCommand(line int, rest string) (Step, error) {
	args, err := split(line, rest)
	if err != nil {
		return Step{}, err
	}
	step := Step{Kind: KindRunCommand, Line: line}
	for len(args) > 0 && strings.HasPrefix(args[0], "--") {
		flag, value, _ := strings.Cut(strings.TrimPrefix(args[0], "--"), "=")
		switch flag {
		case "exit":
			code, err := strconv.Atoi(value)
			if err != nil {
				return Step{}, specErrorf(line, "invalid --exit value %q", value)
			}
			step.ExpectedExit = code
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return Step{}, specErrorf(line, "invalid --timeout value %q", value)
			}
			step.Timeout = d
		default:
			return Step{}, specErrorf(line, "unknown flag --%s", flag)
		}
		args = args[1:]
	}
	if len(args) == 0 {
		return Step{}, specErrorf(line, "command is empty")
	}
	step.Argv = args
	return step, nil
}

func parseCmd(line int, rest string) ([]string, error) {
	if strings.HasPrefix(rest, "[") {
		var args []string
		if err := json.Unmarshal([]byte(rest), &args); err != nil {
			return nil, specErrorf(line, "invalid CMD array: %v", err)
		}
		if len(args) == 0 {
			return nil, specErrorf(line, "CMD is empty")
		}
		return args, nil
	}
	args, err := split(line, rest)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, specErrorf(line, "CMD is empty")
	}
	return args, nil
}

func split(line int, text string) ([]string, error) {
	args, err := shlex.Split(text)
	if err != nil {
		return nil, specErrorf(line, "tokenize: %v", err)
	}
	return args, nil
}
