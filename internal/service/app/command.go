package app

import (
	"fmt"
	"strings"

	"lanchat/internal/model"
)

type (
	CommandKind string

	// Command is one parsed line of input. Plain text becomes CmdText.
	Command struct {
		Kind CommandKind
		Arg  string
		Path string
		Peer model.Peer
	}
)

const (
	CmdText    CommandKind = "text"
	CmdOpen    CommandKind = "open"
	CmdFile    CommandKind = "file"
	CmdAccept  CommandKind = "accept"
	CmdReject  CommandKind = "reject"
	CmdCancel  CommandKind = "cancel"
	CmdRead    CommandKind = "read"
	CmdBlock   CommandKind = "blocked"
	CmdUnblock CommandKind = "unblocked"
	CmdNick    CommandKind = "nick"
	CmdHelp    CommandKind = "help"
	CmdQuit    CommandKind = "quit"
)

const helpText = "/open host:port  /file path  /accept id [path]  /reject id  /cancel id  /read  /block  /unblock  /nick name  /quit"

// ParseCommand turns an input line into a Command. A leading "//" sends the
// rest as literal text starting with "/".
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CmdText, Arg: line}, nil
	}
	if strings.HasPrefix(line, "//") {
		return Command{Kind: CmdText, Arg: line[1:]}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "open", "to":
		if rest == "" {
			return Command{}, fmt.Errorf("usage: /open host:port")
		}
		p, err := model.ParsePeer(rest)
		if err != nil {
			return Command{}, fmt.Errorf("bad peer address %q: %w", rest, err)
		}
		return Command{Kind: CmdOpen, Peer: p}, nil
	case "file", "send":
		if rest == "" {
			return Command{}, fmt.Errorf("usage: /file path")
		}
		return Command{Kind: CmdFile, Arg: rest}, nil
	case "accept":
		id, path, _ := strings.Cut(rest, " ")
		if id == "" {
			return Command{}, fmt.Errorf("usage: /accept id [path]")
		}
		return Command{Kind: CmdAccept, Arg: id, Path: strings.TrimSpace(path)}, nil
	case "reject", "cancel":
		if rest == "" || strings.ContainsRune(rest, ' ') {
			return Command{}, fmt.Errorf("usage: /%s id", name)
		}
		kind := CmdReject
		if strings.EqualFold(name, "cancel") {
			kind = CmdCancel
		}
		return Command{Kind: kind, Arg: rest}, nil
	case "nick":
		return Command{Kind: CmdNick, Arg: rest}, nil
	case "read":
		return Command{Kind: CmdRead}, nil
	case "block":
		return Command{Kind: CmdBlock}, nil
	case "unblock":
		return Command{Kind: CmdUnblock}, nil
	case "help", "?":
		return Command{Kind: CmdHelp}, nil
	case "quit", "exit", "q":
		return Command{Kind: CmdQuit}, nil
	}
	return Command{}, fmt.Errorf("unknown command /%s, try /help", name)
}
