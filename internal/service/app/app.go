package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/repository/chatlog"
	"lanchat/internal/repository/peer"
	transferRepo "lanchat/internal/repository/transfer"
	"lanchat/internal/utils/log"
)

type (
	// Node is what the terminal UI drives.
	Node interface {
		Registry() *transferRepo.Registry
		AcceptOffer(id, path string) (string, error)
		RejectOffer(id string) error
		CancelTransfer(id string) error
		SendText(ctx context.Context, to model.Peer, text string) (string, error)
		SendFile(ctx context.Context, to model.Peer, path string) (string, error)
		MarkConversationRead(ctx context.Context, with model.Peer) error
	}

	App struct {
		app       *tview.Application
		peerList  *tview.List
		chatbox   *tview.TextView
		transfers *tview.TextView
		status    *tview.TextView
		input     *tview.InputField

		node     Node
		messages chatlog.Store
		peers    peer.Repo
		selfName string
		log      *zap.Logger

		ctx    context.Context
		cancel context.CancelFunc

		mu         sync.Mutex
		current    *model.Peer
		discovered map[string]model.PeerInfo
	}
)

// NewApp builds the UI. It can receive notifications right away; commands
// need the node passed to Run.
func NewApp(messages chatlog.Store, peers peer.Repo, selfName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	c := &App{
		app:        tview.NewApplication(),
		messages:   messages,
		peers:      peers,
		selfName:   selfName,
		log:        log.Named("app"),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]model.PeerInfo),
	}
	c.build()
	return c
}

// Run draws the UI and blocks until the user quits. initial, if set, is the
// conversation opened first.
func (c *App) Run(node Node, initial *model.Peer) error {
	c.node = node

	stop := c.followTransfers()
	defer stop()

	go func() {
		if initial != nil {
			c.selectPeer(*initial)
		}
		c.refreshPeers()
	}()

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.cancel()
	c.app.Stop()
}

func (c *App) build() {
	c.peerList = tview.NewList().ShowSecondaryText(true)
	c.peerList.SetBorder(true).SetTitle(" Peers ")
	c.peerList.SetSelectedFunc(func(_ int, _ string, secondary string, _ rune) {
		if p, err := model.ParsePeer(secondary); err == nil {
			c.selectPeer(p)
			c.app.SetFocus(c.input)
		}
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" No conversation ")

	c.transfers = tview.NewTextView().SetDynamicColors(true)
	c.transfers.SetBorder(true).SetTitle(" Transfers ")

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText(fmt.Sprintf("[gray]%s, type /help for commands[-]", tview.Escape(c.selfName)))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.execute(text)
	})

	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if c.input.HasFocus() {
				c.app.SetFocus(c.peerList)
			} else {
				c.app.SetFocus(c.input)
			}
			return nil
		}
		return ev
	})
}

func (c *App) layout() tview.Primitive {
	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 3, false).
		AddItem(c.transfers, 8, 0, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	return tview.NewFlex().
		AddItem(c.peerList, 32, 0, false).
		AddItem(right, 0, 1, true)
}

func (c *App) execute(text string) {
	cmd, err := ParseCommand(text)
	if err != nil {
		c.setStatus("[red]%s[-]", err)
		return
	}
	if err := c.run(cmd); err != nil {
		c.setStatus("[red]%s[-]", err)
	}
}

func (c *App) run(cmd Command) error {
	switch cmd.Kind {
	case CmdHelp:
		c.setStatus("[gray]%s[-]", tview.Escape(helpText))
	case CmdQuit:
		c.Stop()
	case CmdOpen:
		c.selectPeer(cmd.Peer)
	case CmdText:
		to, err := c.target()
		if err != nil {
			return err
		}
		if _, err := c.node.SendText(c.ctx, to, cmd.Arg); err != nil {
			c.log.Warn("send text failed", zap.String("peer", to.Key()), zap.Error(err))
			c.reloadChat()
			return fmt.Errorf("not delivered: %w", err)
		}
		c.reloadChat()
	case CmdFile:
		to, err := c.target()
		if err != nil {
			return err
		}
		id, err := c.node.SendFile(c.ctx, to, cmd.Arg)
		if err != nil {
			return err
		}
		c.setStatus("offered %s as %s", tview.Escape(cmd.Arg), shortID(id))
	case CmdAccept:
		id, err := c.resolveTransfer(cmd.Arg)
		if err != nil {
			return err
		}
		path, err := c.node.AcceptOffer(id, cmd.Path)
		if err != nil {
			return err
		}
		c.setStatus("receiving into %s", tview.Escape(path))
	case CmdReject:
		id, err := c.resolveTransfer(cmd.Arg)
		if err != nil {
			return err
		}
		return c.node.RejectOffer(id)
	case CmdCancel:
		id, err := c.resolveTransfer(cmd.Arg)
		if err != nil {
			return err
		}
		return c.node.CancelTransfer(id)
	case CmdRead:
		to, err := c.target()
		if err != nil {
			return err
		}
		err = c.node.MarkConversationRead(c.ctx, to)
		c.reloadChat()
		c.refreshPeers()
		return err
	case CmdBlock, CmdUnblock:
		to, err := c.target()
		if err != nil {
			return err
		}
		if err := c.peers.SetBlocked(c.ctx, to, cmd.Kind == CmdBlock); err != nil {
			return err
		}
		c.setStatus("%s %s", cmd.Kind, to)
	case CmdNick:
		to, err := c.target()
		if err != nil {
			return err
		}
		if err := c.peers.SetNickname(c.ctx, to, cmd.Arg); err != nil {
			return err
		}
		c.refreshPeers()
		c.reloadChat()
	}
	return nil
}

func (c *App) target() (model.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return model.Peer{}, fmt.Errorf("no conversation open, use /open host:port")
	}
	return *c.current, nil
}

// resolveTransfer expands a unique id prefix, as shown in the transfer list.
func (c *App) resolveTransfer(prefix string) (string, error) {
	var match []string
	for id := range c.node.Registry().Snapshot() {
		if strings.HasPrefix(id, prefix) {
			match = append(match, id)
		}
	}
	switch len(match) {
	case 0:
		return "", fmt.Errorf("%w: %s", model.ErrUnknownTransfer, prefix)
	case 1:
		return match[0], nil
	}
	return "", fmt.Errorf("ambiguous transfer id %s", prefix)
}

func (c *App) selectPeer(p model.Peer) {
	c.mu.Lock()
	c.current = &p
	c.mu.Unlock()
	c.reloadChat()
}

func (c *App) reloadChat() {
	to, err := c.target()
	if err != nil {
		return
	}
	lines, err := c.messages.History(c.ctx, to)
	if err != nil {
		c.log.Error("read history failed", zap.Error(err))
		return
	}
	title := c.label(to)

	c.app.QueueUpdateDraw(func() {
		c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", tview.Escape(title)))
		c.chatbox.Clear()
		for _, l := range lines {
			fmt.Fprintln(c.chatbox, FormatLine(l, title))
		}
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) label(p model.Peer) string {
	nick, err := c.peers.Nickname(c.ctx, p)
	if err == nil && nick != "" {
		return nick
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.discovered[p.Key()]; ok {
		return info.Name
	}
	return p.Key()
}

// AddPeer shows a discovered peer in the side list.
func (c *App) AddPeer(p model.PeerInfo) {
	c.mu.Lock()
	c.discovered[p.Key()] = p
	c.mu.Unlock()
	c.refreshPeers()
}

func (c *App) refreshPeers() {
	convs, err := c.messages.Conversations(c.ctx)
	if err != nil {
		c.log.Error("list conversations failed", zap.Error(err))
	}
	unread, err := c.messages.Unread(c.ctx)
	if err != nil {
		c.log.Error("read unread counters failed", zap.Error(err))
	}

	known := map[string]model.Peer{}
	for _, p := range convs {
		known[p.Key()] = p
	}
	c.mu.Lock()
	for k, info := range c.discovered {
		known[k] = info.Peer
	}
	c.mu.Unlock()

	keys := make([]string, 0, len(known))
	for k := range known {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type row struct{ main, secondary string }
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		p := known[k]
		main := c.label(p)
		if n := unread[k]; n > 0 {
			main = fmt.Sprintf("%s [yellow](%d)[-]", tview.Escape(main), n)
		} else {
			main = tview.Escape(main)
		}
		rows = append(rows, row{main, p.Addr()})
	}

	c.app.QueueUpdateDraw(func() {
		cur := c.peerList.GetCurrentItem()
		c.peerList.Clear()
		for _, r := range rows {
			c.peerList.AddItem(r.main, r.secondary, 0, nil)
		}
		if cur < len(rows) {
			c.peerList.SetCurrentItem(cur)
		}
	})
}

func (c *App) followTransfers() func() {
	updates, stop := c.node.Registry().Subscribe()
	go func() {
		for m := range updates {
			text := FormatTransfers(m)
			c.app.QueueUpdateDraw(func() {
				c.transfers.SetText(text)
			})
		}
	}()
	return stop
}

func (c *App) setStatus(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(msg)
	})
}

func (c *App) IncomingText(msg model.IncomingText) {
	c.refreshPeers()
	to, err := c.target()
	if err == nil && to == msg.Peer {
		c.reloadChat()
		return
	}
	c.setStatus("[green]new message from %s[-]", tview.Escape(c.label(msg.Peer)))
}

func (c *App) FileOffer(offer model.FileOffer) {
	c.setStatus("[yellow]%s offers %s (%s), /accept %s or /reject %s[-]",
		tview.Escape(c.label(offer.Peer)), tview.Escape(offer.Name), FormatSize(offer.Size), shortID(offer.TransferID), shortID(offer.TransferID))
}

func (c *App) Receipt(p model.Peer, _ model.ReceiptKind, _ string, _ int64) {
	if to, err := c.target(); err == nil && to.Host == p.Host {
		c.reloadChat()
	}
}
