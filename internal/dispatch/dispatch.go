// Package dispatch implements the command dispatcher of spec.md §4.J: it
// parses a leading-"!" token stream into (command, args), checks the
// command's access level against session state, and maintains the
// short-lived reply/post contexts that let a plain-text follow-up be
// interpreted as an implicit !reply or !post.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/board"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/mail"
	"github.com/zvx-echo6/advbbs/internal/rap"
	"github.com/zvx-echo6/advbbs/internal/session"
	"github.com/zvx-echo6/advbbs/internal/store"
)

// AccessLevel gates a command against session state (spec.md §4.J).
type AccessLevel int

const (
	// AccessAlways requires nothing: anonymous, unbound nodes may call it.
	AccessAlways AccessLevel = iota
	// AccessSyncBoardOrAuth requires either an authenticated session or
	// that the board in play is public and synced.
	AccessSyncBoardOrAuth
	// AccessAuthenticated requires a live session for the sending node.
	AccessAuthenticated
	// AccessAdmin requires a live session whose user is an admin.
	AccessAdmin
)

// replyContext is the short-lived "last mail read" marker that turns a
// plain-text follow-up into an implicit !reply (spec.md §4.J).
type replyContext struct {
	toUser, toBBS string
	expires       time.Time
}

// postContext is the short-lived "last board entered" marker that turns a
// plain-text follow-up into an implicit !post.
type postContext struct {
	boardName string
	expires   time.Time
}

// command is one dispatchable verb.
type command struct {
	name    string
	alias   string
	access  AccessLevel
	handler func(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error)
}

// Dispatcher parses and executes !-commands from a sending node, per
// spec.md §4.J.
type Dispatcher struct {
	store     *store.Store
	sessions  *session.Engine
	mail      *mail.Engine
	board     *board.Engine
	rap       *rap.Engine
	cfg       *config.Config
	masterKey []byte
	log       *logrus.Entry

	commands map[string]*command

	mu       sync.Mutex
	replyCtx map[string]replyContext
	postCtx  map[string]postContext
}

// New wires a Dispatcher over the store and the three stateful engines it
// drives commands through.
func New(s *store.Store, sessions *session.Engine, mailEng *mail.Engine, boardEng *board.Engine, rapEng *rap.Engine, cfg *config.Config, masterKey []byte, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{
		store: s, sessions: sessions, mail: mailEng, board: boardEng, rap: rapEng,
		cfg: cfg, masterKey: masterKey, log: log,
		replyCtx: make(map[string]replyContext),
		postCtx:  make(map[string]postContext),
	}
	d.commands = make(map[string]*command, len(commandTable))
	for i := range commandTable {
		c := &commandTable[i]
		d.commands[c.name] = c
		if c.alias != "" {
			d.commands[c.alias] = c
		}
	}
	return d
}

// Dispatch parses and runs one line of input from nodeID, returning the
// reply text (spec.md §4.J steps 1-3). A leading "!" is an explicit
// command; anything else is checked against the node's reply/post
// contexts before being rejected as unrecognized.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", bbserr.ErrBadSyntax
	}

	if !strings.HasPrefix(line, "!") {
		return d.dispatchImplicit(ctx, nodeID, line)
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", bbserr.ErrBadSyntax
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := d.commands[name]
	if !ok {
		d.clearContexts(nodeID)
		return "", bbserr.ErrUnknownCommand
	}

	// !reply consumes the live reply context itself; every other explicit
	// command invalidates both contexts (spec.md §4.J: "Contexts are
	// invalidated on any explicit command").
	if cmd.name != "reply" {
		d.clearContexts(nodeID)
	}

	sess, _ := d.sessions.SessionForNode(nodeID)
	if err := d.checkAccess(cmd.access, nodeID, sess, args); err != nil {
		return "", err
	}
	return cmd.handler(ctx, d, nodeID, sess, args)
}

// dispatchImplicit handles a non-"!" line against the node's live reply or
// post context (spec.md §4.J: "a following non-! plaintext ... is
// interpreted as !reply" / "... is interpreted as !post"). A reply
// context, being tied to a specific unread message, takes priority over a
// board-post context when both happen to be live.
func (d *Dispatcher) dispatchImplicit(ctx context.Context, nodeID, line string) (string, error) {
	d.mu.Lock()
	rc, hasReply := d.replyCtx[nodeID]
	pc, hasPost := d.postCtx[nodeID]
	now := time.Now()
	if hasReply && now.After(rc.expires) {
		delete(d.replyCtx, nodeID)
		hasReply = false
	}
	if hasPost && now.After(pc.expires) {
		delete(d.postCtx, nodeID)
		hasPost = false
	}
	d.mu.Unlock()

	sess, _ := d.sessions.SessionForNode(nodeID)
	if hasReply {
		if sess == nil {
			return "", bbserr.ErrNoSession
		}
		return cmdReplyTo(ctx, d, sess, rc, line)
	}
	if hasPost {
		return cmdPostTo(ctx, d, nodeID, sess, pc.boardName, line)
	}
	return "", bbserr.ErrUnknownCommand
}

func (d *Dispatcher) clearContexts(nodeID string) {
	d.mu.Lock()
	delete(d.replyCtx, nodeID)
	delete(d.postCtx, nodeID)
	d.mu.Unlock()
}

func (d *Dispatcher) setReplyContext(nodeID, toUser, toBBS string) {
	d.mu.Lock()
	d.replyCtx[nodeID] = replyContext{toUser: toUser, toBBS: toBBS, expires: time.Now().Add(d.cfg.ReplyContextWindow)}
	d.mu.Unlock()
}

func (d *Dispatcher) setPostContext(nodeID, boardName string) {
	d.mu.Lock()
	d.postCtx[nodeID] = postContext{boardName: boardName, expires: time.Now().Add(d.cfg.PostContextWindow)}
	d.mu.Unlock()
}

// checkAccess enforces a command's AccessLevel (spec.md §4.J step 2). For
// AccessSyncBoardOrAuth the first arg, if present, is treated as the
// board name in play; an authenticated session always satisfies it
// regardless of the board.
func (d *Dispatcher) checkAccess(level AccessLevel, nodeID string, sess *session.Session, args []string) error {
	switch level {
	case AccessAlways:
		return nil
	case AccessSyncBoardOrAuth:
		if sess != nil {
			return nil
		}
		if len(args) == 0 {
			return bbserr.ErrForbiddenByAccess
		}
		b, err := d.store.GetBoardByName(strings.ToUpper(args[0]))
		if err != nil {
			return bbserr.ErrForbiddenByAccess
		}
		if !b.Synced || b.Type != store.BoardPublic {
			return bbserr.ErrForbiddenByAccess
		}
		return nil
	case AccessAuthenticated:
		if sess == nil {
			return bbserr.ErrNoSession
		}
		return nil
	case AccessAdmin:
		if sess == nil || !sess.IsAdmin {
			return bbserr.ErrForbiddenByAccess
		}
		return nil
	default:
		return bbserr.ErrForbiddenByAccess
	}
}

// commandTable lists every dispatchable verb. Handlers are free functions
// rather than Dispatcher methods so the table can be built as a flat,
// reviewable literal.
var commandTable = []command{
	{name: "register", access: AccessAlways, handler: cmdRegister},
	{name: "login", alias: "li", access: AccessAlways, handler: cmdLogin},
	{name: "logout", alias: "lo", access: AccessAuthenticated, handler: cmdLogout},
	{name: "whoami", access: AccessAuthenticated, handler: cmdWhoami},
	{name: "passwd", alias: "changepass", access: AccessAuthenticated, handler: cmdChangePassword},
	{name: "addnode", access: AccessAuthenticated, handler: cmdAddNode},
	{name: "rmnode", access: AccessAuthenticated, handler: cmdRemoveNode},
	{name: "nodes", access: AccessAuthenticated, handler: cmdListNodes},
	{name: "send", access: AccessAuthenticated, handler: cmdSend},
	{name: "inbox", access: AccessAuthenticated, handler: cmdInbox},
	{name: "read", access: AccessAuthenticated, handler: cmdRead},
	{name: "reply", alias: "re", access: AccessAuthenticated, handler: cmdReply},
	{name: "boards", access: AccessAlways, handler: cmdBoards},
	{name: "board", alias: "b", access: AccessSyncBoardOrAuth, handler: cmdBoard},
	{name: "post", alias: "p", access: AccessSyncBoardOrAuth, handler: cmdPost},
	{name: "recover", access: AccessAdmin, handler: cmdRecover},
	{name: "ban", access: AccessAdmin, handler: cmdBan},
	{name: "mkboard", access: AccessAdmin, handler: cmdCreateBoard},
	{name: "grant", access: AccessAdmin, handler: cmdGrant},
	{name: "peers", access: AccessAdmin, handler: cmdPeers},
	{name: "routes", access: AccessAdmin, handler: cmdRoutes},
	{name: "help", access: AccessAlways, handler: cmdHelp},
}

func cmdRegister(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	u, err := d.sessions.Register(args[0], strings.Join(args[1:], " "), nodeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("registered %s", u.Name), nil
}

func cmdLogin(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	s, err := d.sessions.Login(args[0], strings.Join(args[1:], " "), nodeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("welcome, %s", s.Username), nil
}

func cmdLogout(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	d.sessions.Logout(sess.Username, sess.NodeID)
	d.clearContexts(nodeID)
	return "logged out", nil
}

func cmdWhoami(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	return sess.Username, nil
}

func cmdChangePassword(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	if err := d.sessions.ChangePassword(sess, args[0], args[1]); err != nil {
		return "", err
	}
	return "password changed", nil
}

func cmdAddNode(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 1 {
		return "", bbserr.ErrBadSyntax
	}
	if err := d.sessions.AddNode(sess, args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("node %s added", args[0]), nil
}

func cmdRemoveNode(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 1 {
		return "", bbserr.ErrBadSyntax
	}
	if err := d.sessions.RemoveNode(sess, args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("node %s removed", args[0]), nil
}

func cmdListNodes(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	names, err := d.store.BindingNodeStrings(sess.UserID)
	if err != nil {
		return "", err
	}
	return strings.Join(names, ", "), nil
}

// cmdSend handles "!send <user[@BBS]> <body...>": a bare local name is
// delivered directly into the store; an "@BBS" address is handed to the
// mail FSM for federated delivery (spec.md §4.G).
func cmdSend(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	addr := args[0]
	body := strings.Join(args[1:], " ")

	if !strings.Contains(addr, "@") {
		return d.sendLocal(sess.Username, addr, body)
	}

	id, err := d.mail.Send(ctx, sess.Username, addr, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued %s", id), nil
}

// userKey unwraps u's per-user key from under the master key (spec.md §3's
// hierarchy: operator passphrase -> master key -> per-user keys ->
// per-message ciphertext). Every mail body is encrypted under the
// recipient's own key, never the shared master key directly.
func (d *Dispatcher) userKey(u *store.User) ([]byte, error) {
	return cryptoprim.UnwrapKey(d.masterKey, u.WrappedKey, "user:"+u.Name)
}

// sendLocal delivers a mail message between two users on this BBS
// directly, without going through the federation mail FSM.
func (d *Dispatcher) sendLocal(fromUser, toUser, body string) (string, error) {
	recipient, err := d.store.GetUserByName(toUser)
	if err != nil {
		return "", bbserr.ErrRecipientUnknown
	}
	key, err := d.userKey(recipient)
	if err != nil {
		return "", fmt.Errorf("dispatch: unwrap recipient key: %w", err)
	}
	id := uuid.NewString()
	now := time.Now().UnixMicro()
	encBody, err := cryptoprim.Encrypt(key, []byte(body), id, now)
	if err != nil {
		return "", fmt.Errorf("dispatch: encrypt local mail: %w", err)
	}
	msg := &store.Message{
		UUID: id, Kind: store.KindMail, RecipientUserID: &recipient.ID,
		Author: fromUser, CreatedAtUs: now,
		EncBody: encBody, DeliveredAtUs: now,
	}
	if err := d.store.InsertMessage(msg); err != nil {
		return "", fmt.Errorf("dispatch: store local mail: %w", err)
	}
	return "sent", nil
}

func cmdInbox(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	msgs, err := d.store.UnreadMail(sess.UserID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "no unread mail", nil
	}
	lines := make([]string, 0, len(msgs))
	for i, m := range msgs {
		lines = append(lines, fmt.Sprintf("%d. from %s", i+1, m.Author))
	}
	return strings.Join(lines, "\n"), nil
}

// cmdRead decrypts and marks read the oldest unread mail, then arms the
// reply context so a following plaintext line is treated as !reply
// (spec.md §4.J).
func cmdRead(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	msgs, err := d.store.UnreadMail(sess.UserID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "no unread mail", nil
	}
	m := msgs[0]
	self, err := d.store.GetUserByID(sess.UserID)
	if err != nil {
		return "", err
	}
	key, err := d.userKey(self)
	if err != nil {
		return "", fmt.Errorf("dispatch: unwrap own key: %w", err)
	}
	body, err := cryptoprim.Decrypt(key, m.EncBody, m.UUID, m.CreatedAtUs)
	if err != nil {
		return "", fmt.Errorf("dispatch: decrypt mail %q: %w", m.UUID, err)
	}
	if err := d.store.MarkRead(m.UUID); err != nil {
		return "", err
	}

	fromUser, fromBBS := mail.ParseAddress(m.Author)
	d.setReplyContext(nodeID, fromUser, fromBBS)
	return fmt.Sprintf("from %s: %s", m.Author, string(body)), nil
}

func cmdReply(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	d.mu.Lock()
	rc, ok := d.replyCtx[nodeID]
	d.mu.Unlock()
	if !ok {
		return "", bbserr.ErrBadSyntax
	}
	if len(args) == 0 {
		return "", bbserr.ErrBadSyntax
	}
	return cmdReplyTo(ctx, d, sess, rc, strings.Join(args, " "))
}

func cmdReplyTo(ctx context.Context, d *Dispatcher, sess *session.Session, rc replyContext, body string) (string, error) {
	if rc.toBBS == "" {
		return d.sendLocal(sess.Username, rc.toUser, body)
	}
	id, err := d.mail.Send(ctx, sess.Username, rc.toUser+"@"+rc.toBBS, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued %s", id), nil
}

func cmdBoards(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	boards, err := d.store.AllBoards()
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(boards))
	for _, b := range boards {
		synced := "unsynced"
		if b.Synced {
			synced = "synced"
		}
		lines = append(lines, fmt.Sprintf("%s (%s, %s)", b.Name, b.Type, synced))
	}
	return strings.Join(lines, "\n"), nil
}

// cmdBoard enters a board context: lists its recent posts and arms the
// post context so a following plaintext line is treated as !post
// (spec.md §4.J).
func cmdBoard(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 1 {
		return "", bbserr.ErrBadSyntax
	}
	name := strings.ToUpper(args[0])
	b, err := d.store.GetBoardByName(name)
	if err != nil {
		return "", bbserr.ErrNotFound
	}
	if b.Type == store.BoardRestricted {
		if sess == nil {
			return "", bbserr.ErrForbiddenByAccess
		}
		if _, err := d.store.BoardAccessFor(b.ID, sess.UserID); err != nil {
			return "", bbserr.ErrForbiddenByAccess
		}
	}

	posts, err := d.store.BoardPosts(b.ID, 0, 10)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(posts)+1)
	lines = append(lines, fmt.Sprintf("-- %s --", b.Name))
	for _, m := range posts {
		subject, _, err := d.board.DecryptPost(b, &m)
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Author, subject))
	}

	d.setPostContext(nodeID, b.Name)
	return strings.Join(lines, "\n"), nil
}

func cmdPost(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	return cmdPostTo(ctx, d, nodeID, sess, strings.ToUpper(args[0]), strings.Join(args[1:], " "))
}

// cmdPostTo posts body to boardName as sess's user (or anonymously if no
// session is live and the board is public), splitting a "subject|body"
// payload at the first pipe into the post's subject and body.
func cmdPostTo(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, boardName, payload string) (string, error) {
	b, err := d.store.GetBoardByName(boardName)
	if err != nil {
		return "", bbserr.ErrNotFound
	}
	if b.Type == store.BoardRestricted {
		if sess == nil {
			return "", bbserr.ErrForbiddenByAccess
		}
		if _, err := d.store.BoardAccessFor(b.ID, sess.UserID); err != nil {
			return "", bbserr.ErrForbiddenByAccess
		}
	}

	author := "anonymous"
	if sess != nil {
		author = sess.Username
	}
	subject, body := splitSubject(payload)
	if _, err := d.board.Post(b, author, subject, body); err != nil {
		return "", err
	}
	return "posted", nil
}

func splitSubject(payload string) (subject, body string) {
	if i := strings.Index(payload, "|"); i >= 0 {
		return payload[:i], payload[i+1:]
	}
	return "(no subject)", payload
}

func cmdRecover(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 1 {
		return "", bbserr.ErrBadSyntax
	}
	temp, err := d.sessions.Recover(args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("temporary passphrase for %s: %s", args[0], temp), nil
}

func cmdBan(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	u, err := d.store.GetUserByName(args[0])
	if err != nil {
		return "", bbserr.ErrNotFound
	}
	reason := strings.Join(args[1:], " ")
	if err := d.store.BanUser(u.ID, reason, "", sess.Username); err != nil {
		return "", err
	}
	return fmt.Sprintf("banned %s", u.Name), nil
}

// cmdCreateBoard provisions a new board (spec.md §3): a "public" board
// shares one board key with every reader; a "restricted" board starts
// with no grants, so !grant must be run before anyone, admins included,
// can read or post to it.
func cmdCreateBoard(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	var boardType store.BoardType
	switch strings.ToLower(args[1]) {
	case "public":
		boardType = store.BoardPublic
	case "restricted":
		boardType = store.BoardRestricted
	default:
		return "", bbserr.ErrBadSyntax
	}
	description := ""
	if len(args) > 2 {
		description = strings.Join(args[2:], " ")
	}
	b, err := d.board.CreateBoard(strings.ToUpper(args[0]), description, boardType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created board %s (%s)", b.Name, b.Type), nil
}

// cmdGrant authorizes a user to read and post to a restricted board by
// wrapping that board's key under the user's own per-user key (spec.md
// §3: "additionally wrapped under each grantee's user key").
func cmdGrant(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	if len(args) < 2 {
		return "", bbserr.ErrBadSyntax
	}
	b, err := d.store.GetBoardByName(strings.ToUpper(args[0]))
	if err != nil {
		return "", bbserr.ErrNotFound
	}
	u, err := d.store.GetUserByName(args[1])
	if err != nil {
		return "", bbserr.ErrNotFound
	}
	if err := d.board.GrantAccess(b, u); err != nil {
		return "", err
	}
	return fmt.Sprintf("granted %s access to %s", u.Name, b.Name), nil
}

func cmdPeers(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	peers, err := d.store.AllPeers()
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		lines = append(lines, fmt.Sprintf("%s (%s) health=%s", p.Callsign, p.NodeID, p.Health))
	}
	return strings.Join(lines, "\n"), nil
}

func cmdRoutes(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	routes, err := d.store.AllRoutes()
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(routes))
	for _, r := range routes {
		lines = append(lines, fmt.Sprintf("%s hop=%d", r.Destination, r.HopCount))
	}
	return strings.Join(lines, "\n"), nil
}

func cmdHelp(ctx context.Context, d *Dispatcher, nodeID string, sess *session.Session, args []string) (string, error) {
	names := make([]string, 0, len(commandTable))
	for _, c := range commandTable {
		names = append(names, c.name)
	}
	return strings.Join(names, ", "), nil
}
