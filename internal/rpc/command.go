// Package rpc speaks the telegram-cli command socket protocol: one command
// line out, one "ANSWER <n>" framed payload back.
package rpc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Verb is a command name understood by the CLI.
type Verb string

const (
	VerbContactList Verb = "contact_list"
	VerbDialogList  Verb = "dialog_list"
	VerbChannelList Verb = "channel_list"
	VerbHistory     Verb = "history"
	VerbGetMessage  Verb = "get_message"
)

type argKind int

const (
	argInt argKind = iota
	argPeer
	argMessageID
)

type signature struct {
	args     []argKind
	required int
}

// commands is the table of supported verbs and their argument types.
var commands = map[Verb]signature{
	VerbContactList: {},
	VerbDialogList:  {args: []argKind{argInt, argInt}},
	VerbChannelList: {args: []argKind{argInt, argInt}},
	VerbHistory:     {args: []argKind{argPeer, argInt, argInt}, required: 1},
	VerbGetMessage:  {args: []argKind{argMessageID}, required: 1},
}

// Verbs returns the supported verbs in lexical order.
func Verbs() []Verb {
	out := make([]Verb, 0, len(commands))
	for v := range commands {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Command is a validated command line.
type Command struct {
	Verb Verb
	Args []string
}

// NewCommand validates args against the verb's signature. Integers must
// be non-negative; peers and message ids must be single tokens.
func NewCommand(verb Verb, args ...any) (Command, error) {
	sig, ok := commands[verb]
	if !ok {
		return Command{}, fmt.Errorf("unknown verb %q", verb)
	}
	if len(args) < sig.required || len(args) > len(sig.args) {
		return Command{}, fmt.Errorf("%s: got %d args, want %d..%d", verb, len(args), sig.required, len(sig.args))
	}

	cmd := Command{Verb: verb, Args: make([]string, 0, len(args))}
	for i, a := range args {
		s, err := formatArg(sig.args[i], a)
		if err != nil {
			return Command{}, fmt.Errorf("%s: arg %d: %w", verb, i+1, err)
		}
		cmd.Args = append(cmd.Args, s)
	}
	return cmd, nil
}

func formatArg(kind argKind, v any) (string, error) {
	switch kind {
	case argInt:
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case int64:
			n = x
		default:
			return "", fmt.Errorf("want integer, got %T", v)
		}
		if n < 0 {
			return "", fmt.Errorf("negative value %d", n)
		}
		return strconv.FormatInt(n, 10), nil
	case argPeer, argMessageID:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case fmt.Stringer:
			s = x.String()
		case int64:
			s = strconv.FormatInt(x, 10)
		default:
			return "", fmt.Errorf("want string, got %T", v)
		}
		if s == "" || strings.ContainsAny(s, " \t\r\n") {
			return "", fmt.Errorf("invalid token %q", s)
		}
		return s, nil
	}
	return "", fmt.Errorf("unknown argument kind %d", kind)
}

// String renders the command line without the trailing newline.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}

func mustCommand(verb Verb, args ...any) Command {
	cmd, err := NewCommand(verb, args...)
	if err != nil {
		panic(err)
	}
	return cmd
}

// ContactList lists the address book.
func ContactList() Command {
	return mustCommand(VerbContactList)
}

// DialogList lists up to limit dialogs starting at offset.
func DialogList(limit, offset int) Command {
	return mustCommand(VerbDialogList, limit, offset)
}

// ChannelList lists up to limit channels starting at offset.
func ChannelList(limit, offset int) Command {
	return mustCommand(VerbChannelList, limit, offset)
}

// History fetches up to limit messages of peer, newest first, skipping
// the offset newest. It returns an error for peers that are not a single
// token.
func History(peer string, limit, offset int) (Command, error) {
	return NewCommand(VerbHistory, peer, limit, offset)
}

// GetMessage fetches one message by id (decimal or 48-hex).
func GetMessage(id string) (Command, error) {
	return NewCommand(VerbGetMessage, id)
}
