package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	qrterminal "github.com/mdp/qrterminal/v3"

	"github.com/opd-ai/wichain"
	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/group"
	"github.com/opd-ai/wichain/identity"
	"github.com/opd-ai/wichain/messaging"
)

const sendTimeout = 10 * time.Second

var (
	errNoMatch   = errors.New("no match")
	errAmbiguous = errors.New("ambiguous")

	info    = color.New(color.FgCyan)
	success = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	failure = color.New(color.FgRed)
	dim     = color.New(color.Faint)
)

// console is the interactive front end. It also observes the node and prints
// notifications as they arrive.
type console struct {
	wichain.NopObserver

	in   io.Reader
	out  io.Writer
	mu   sync.Mutex // serializes writes to out
	node *wichain.Node
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

func (c *console) printf(attr *color.Color, format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attr == nil {
		fmt.Fprintf(c.out, format, args...)
		return
	}
	attr.Fprintf(c.out, format, args...)
}

func (c *console) banner() {
	id := c.node.GetIdentity()
	st := c.node.GetNetworkStatus()
	c.printf(info, "wichain node %s (%s)\n", id.Alias, crypto.ShortID(id.PeerID))
	c.printf(dim, "  discovery %s, %s streams on port %d\n", st.DiscoveryAddr, st.StreamProtocol, st.StreamPort)
	c.printf(dim, "  type /help for commands\n")
}

// ChatUpdate prints incoming messages.
func (c *console) ChatUpdate(msg messaging.ChatMessage) {
	if msg.Outgoing {
		return
	}
	c.printf(nil, "%s\n", formatMessage(msg, c.aliasOf(msg.From)))
}

// GroupUpdate reports groups learned from peers.
func (c *console) GroupUpdate(groups []group.Group) {
	c.printf(dim, "* %d group(s) known\n", len(groups))
}

// IdentityUpdate confirms alias changes.
func (c *console) IdentityUpdate(id identity.Info) {
	c.printf(success, "* now known as %s\n", id.Alias)
}

func (c *console) aliasOf(peerID string) string {
	if c.node == nil {
		return crypto.ShortID(peerID)
	}
	for _, p := range c.node.GetPeers() {
		if p.PeerID == peerID {
			return p.Alias
		}
	}
	return crypto.ShortID(peerID)
}

// run reads commands until EOF, /quit or ctx ends.
func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.execute(ctx, line); quit {
				return
			}
		}
	}
}

// execute runs one command line and reports whether the console should exit.
func (c *console) execute(ctx context.Context, line string) bool {
	cmd, args := splitCommand(line)
	if cmd == "" {
		return false
	}

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.help()
	case "/id":
		id := c.node.GetIdentity()
		c.printf(nil, "%s  %s\n", id.Alias, id.PeerID)
	case "/qr":
		c.qr()
	case "/alias":
		err = c.node.SetAlias(strings.Join(args, " "))
	case "/peers":
		c.peers()
	case "/send":
		err = c.send(ctx, args)
	case "/file":
		err = c.sendFile(ctx, args)
	case "/group":
		err = c.createGroup(args)
	case "/groups":
		c.groups()
	case "/gsend":
		err = c.groupSend(ctx, args)
	case "/history":
		err = c.history()
	case "/status":
		c.status()
	case "/ledger":
		c.ledger()
	case "/upgrade":
		err = c.upgrade(ctx, args)
	case "/reset":
		err = c.node.ResetLocalData()
		if err == nil {
			c.printf(warn, "local data reset\n")
		}
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		c.printf(failure, "error: %v\n", err)
	}
	return false
}

func (c *console) help() {
	c.printf(nil, `commands:
  /id                     show identity
  /qr                     show peer id as QR code
  /alias <name>           change alias
  /peers                  list discovered peers
  /send <peer> <text>     send a direct message
  /file <peer> <path> [text]  send a file
  /group <peer> <peer>... create a group with the given peers
  /groups                 list groups
  /gsend <group> <text>   send to a group
  /history                show chat history
  /status                 show connections and round-trip times
  /ledger                 show ledger summary
  /upgrade <peer>         open a stream connection now
  /reset                  delete ledger, history, groups and trust
  /quit                   exit
`)
}

func (c *console) qr() {
	id := c.node.GetIdentity()
	c.mu.Lock()
	defer c.mu.Unlock()
	qrterminal.GenerateWithConfig(id.PeerID, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    c.out,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintln(c.out, id.PeerID)
}

func (c *console) peers() {
	peers := c.node.GetPeers()
	if len(peers) == 0 {
		c.printf(dim, "no peers discovered yet\n")
		return
	}
	for _, p := range peers {
		c.printf(nil, "%-20s %s  %-21s trust %5.1f  %s\n",
			p.Alias, crypto.ShortID(p.PeerID), p.Address, p.TrustScore, p.ConnectionType)
	}
}

func (c *console) send(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /send <peer> <text>")
	}
	peer, err := matchPeer(c.node.GetPeers(), args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	report, err := c.node.AddPeerMessage(ctx, strings.Join(args[1:], " "), peer.PeerID, nil)
	if err != nil {
		return err
	}
	c.report(report)
	return nil
}

func (c *console) sendFile(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /file <peer> <path> [text]")
	}
	peer, err := matchPeer(c.node.GetPeers(), args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	att := messaging.NewAttachment(filepath.Base(args[1]), mime.TypeByExtension(filepath.Ext(args[1])), data)
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	report, err := c.node.AddPeerMessage(ctx, strings.Join(args[2:], " "), peer.PeerID, &att)
	if err != nil {
		return err
	}
	c.report(report)
	return nil
}

func (c *console) createGroup(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /group <peer> <peer>...")
	}
	peers := c.node.GetPeers()
	members := make([]string, 0, len(args))
	for _, a := range args {
		p, err := matchPeer(peers, a)
		if err != nil {
			return err
		}
		members = append(members, p.PeerID)
	}
	g, err := c.node.CreateGroup(members)
	if err != nil {
		return err
	}
	c.printf(success, "group %s with %d members\n", crypto.ShortID(g.ID), len(g.Members))
	return nil
}

func (c *console) groups() {
	groups := c.node.ListGroups()
	if len(groups) == 0 {
		c.printf(dim, "no groups\n")
		return
	}
	for _, g := range groups {
		names := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			names = append(names, c.aliasOf(m))
		}
		c.printf(nil, "%s  %s\n", crypto.ShortID(g.ID), strings.Join(names, ", "))
	}
}

func (c *console) groupSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /gsend <group> <text>")
	}
	g, err := matchGroup(c.node.ListGroups(), args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	report, err := c.node.AddGroupMessage(ctx, strings.Join(args[1:], " "), g.ID, nil)
	if err != nil {
		return err
	}
	c.report(report)
	return nil
}

func (c *console) report(r *wichain.SendReport) {
	for _, d := range r.Deliveries {
		if d.Err != nil {
			c.printf(failure, "  %s: not delivered: %v\n", c.aliasOf(d.PeerID), d.Err)
			continue
		}
		c.printf(dim, "  %s: sent via %s (block %d)\n", c.aliasOf(d.PeerID), d.ConnectionType, r.BlockIndex)
	}
}

func (c *console) history() error {
	msgs, err := c.node.GetChatHistory()
	if err != nil {
		return err
	}
	self := c.node.GetIdentity()
	for _, m := range msgs {
		name := c.aliasOf(m.From)
		if m.Outgoing {
			name = self.Alias
		}
		c.printf(nil, "%s\n", formatMessage(m, name))
	}
	return nil
}

func (c *console) status() {
	st := c.node.GetNetworkStatus()
	c.printf(info, "%s (%s) discovery %s, %s port %d\n",
		st.Alias, crypto.ShortID(st.PeerID), st.DiscoveryAddr, st.StreamProtocol, st.StreamPort)
	if st.DiscoveryError != "" {
		c.printf(failure, "  discovery: %s\n", st.DiscoveryError)
	}
	if st.LedgerError != "" {
		c.printf(failure, "  ledger: %s\n", st.LedgerError)
	}
	for _, p := range st.Peers {
		c.printf(nil, "  %-20s %-18s %-8s rtt %.2fms\n", p.Alias, p.State, p.ConnectionType, p.RTTMillis)
	}
}

func (c *console) ledger() {
	sum := c.node.LedgerSummary()
	valid := success.Sprint("valid")
	if !sum.Valid {
		valid = failure.Sprint("INVALID")
	}
	c.printf(nil, "%d blocks, %d envelopes, %s\n", len(sum.Blocks), sum.TotalEnvelopes, valid)
	start := 0
	if len(sum.Blocks) > 10 {
		start = len(sum.Blocks) - 10
	}
	for _, b := range sum.Blocks[start:] {
		c.printf(dim, "  #%d %s %s\n", b.Index, crypto.ShortID(b.Hash), b.Preview)
	}
}

func (c *console) upgrade(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /upgrade <peer>")
	}
	peer, err := matchPeer(c.node.GetPeers(), args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.node.Upgrade(ctx, peer.PeerID); err != nil {
		return err
	}
	c.printf(success, "stream established with %s\n", peer.Alias)
	return nil
}

// splitCommand separates the command word from its arguments. Plain text
// without a leading slash is not a command.
func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// matchPeer finds the peer whose id starts with query or whose alias equals
// it, ignoring case.
func matchPeer(peers []discovery.PeerRecord, query string) (discovery.PeerRecord, error) {
	q := strings.ToLower(query)
	var found []discovery.PeerRecord
	for _, p := range peers {
		if p.PeerID == q {
			return p, nil
		}
		if strings.HasPrefix(p.PeerID, q) || strings.EqualFold(p.Alias, query) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return discovery.PeerRecord{}, fmt.Errorf("peer %q: %w", query, errNoMatch)
	case 1:
		return found[0], nil
	}
	return discovery.PeerRecord{}, fmt.Errorf("peer %q: %w (%d peers)", query, errAmbiguous, len(found))
}

// matchGroup finds the group whose id starts with query.
func matchGroup(groups []group.Group, query string) (group.Group, error) {
	q := strings.ToLower(query)
	var found []group.Group
	for _, g := range groups {
		if strings.HasPrefix(g.ID, q) {
			found = append(found, g)
		}
	}
	switch len(found) {
	case 0:
		return group.Group{}, fmt.Errorf("group %q: %w", query, errNoMatch)
	case 1:
		return found[0], nil
	}
	return group.Group{}, fmt.Errorf("group %q: %w (%d groups)", query, errAmbiguous, len(found))
}

func formatMessage(m messaging.ChatMessage, sender string) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	where := ""
	if m.GroupID != "" {
		where = " [" + crypto.ShortID(m.GroupID) + "]"
	}
	var parts []string
	for _, c := range m.Contents {
		switch v := c.(type) {
		case messaging.Text:
			parts = append(parts, v.Body)
		case messaging.Attachment:
			parts = append(parts, fmt.Sprintf("<file %s, %d bytes>", v.Name, len(v.Data)))
		case messaging.ControlSignal:
			parts = append(parts, fmt.Sprintf("<%s>", v.Signal))
		}
	}
	return fmt.Sprintf("%s%s %s: %s", ts, where, sender, strings.Join(parts, " "))
}
