// Package rpc implements the DHT's UDP transport and its four RPC method
// handlers (ping, store, findNode, findValue), including the pending
// request table, token issuance/verification, and inbound dispatch.
package rpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/blobstore"
	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/dhterr"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
	"github.com/lbryio/lbry-sdk-sub003/kbucket"
	"github.com/lbryio/lbry-sdk-sub003/peermanager"
	"github.com/lbryio/lbry-sdk-sub003/wire"
)

var log = logging.Logger("rpc")

// oldProtocolErrors maps a peer's reported exception_type to the level a
// reply to it should be logged at: chatty, expected error kinds from
// older/incompatible peers stay at Debug, anything unrecognized is
// surfaced at Warning since it may indicate a real incompatibility.
var oldProtocolErrors = map[string]bool{
	"InvalidToken":        true,
	"UnknownRemoteMethod": true,
	"DecodeError":         true,
}

type pendingRequest struct {
	peer     contact.Contact
	resultCh chan rpcResult
	done     bool
}

type rpcResult struct {
	response *wire.Response
	err      error
}

// RPC owns the UDP socket and wires the wire codec to the routing table,
// peer manager, and blob store.
type RPC struct {
	cfg        dhtconf.Config
	conn       *net.UDPConn
	localID    identifier.ID
	externalIP net.IP
	tcpPort    uint16

	rt    *kbucket.RoutingTable
	pm    *peermanager.PeerManager
	bs    *blobstore.BlobStore
	bogon *contact.BogonFilter

	mu      sync.Mutex
	pending map[string]*pendingRequest

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an RPC layer bound to an already-listening UDP socket.
// externalIP may be nil if the host doesn't know its own reachable
// address; findValue then never self-announces as a blob holder.
func New(conn *net.UDPConn, localID identifier.ID, externalIP net.IP, tcpPort uint16, cfg dhtconf.Config, rt *kbucket.RoutingTable, pm *peermanager.PeerManager, bs *blobstore.BlobStore, bogon *contact.BogonFilter) *RPC {
	r := &RPC{
		cfg:        cfg,
		conn:       conn,
		localID:    localID,
		externalIP: externalIP,
		tcpPort:    tcpPort,
		rt:         rt,
		pm:         pm,
		bs:         bs,
		bogon:      bogon,
		pending:    make(map[string]*pendingRequest),
	}
	r.ctx, r.ctxCancel = context.WithCancel(context.Background())
	return r
}

// Start launches the inbound read loop.
func (r *RPC) Start() {
	r.wg.Add(1)
	go r.readLoop()
}

// Stop closes the socket and waits for the read loop to exit.
func (r *RPC) Stop() {
	r.ctxCancel()
	r.conn.Close()
	r.wg.Wait()
}

func (r *RPC) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, dhtconf.MsgSizeLimit)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				log.Debugf("udp read error: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go r.handleDatagram(data, from)
	}
}

// Request sends method(args) to peer and blocks until a response, error
// reply, or ctx/cfg.RPCTimeout expiry — whichever is first — resolves it.
// Each pending request resolves exactly once: success, RemoteException,
// Timeout, or Cancelled.
func (r *RPC) Request(ctx context.Context, peer contact.Contact, method string, args []interface{}) (*wire.Response, error) {
	rpcID := make([]byte, dhtconf.RPCIDLength)
	if _, err := rand.Read(rpcID); err != nil {
		return nil, fmt.Errorf("rpc: generating rpc_id: %w", err)
	}

	frame, err := wire.EncodeRequest(wire.Request{
		RPCID:  rpcID,
		NodeID: r.localID.Bytes(),
		Method: method,
		Args:   args,
	})
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{peer: peer, resultCh: make(chan rpcResult, 1)}
	key := string(rpcID)
	r.mu.Lock()
	r.pending[key] = pr
	r.mu.Unlock()

	r.pm.OnSend(peer)

	addr := &net.UDPAddr{IP: peer.Address, Port: int(peer.UDPPort)}
	if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
		r.completePending(key, rpcResult{err: fmt.Errorf("%w: %v", dhterr.ErrTransportNotConnected, err)})
		return nil, err
	}

	timeout := r.cfg.RPCTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			r.pm.OnRPCFailure(peer)
			return nil, res.err
		}
		r.pm.OnReplyReceived(peer)
		if res.response.NodeID != nil {
			if id, err := identifier.FromBytes(res.response.NodeID); err == nil {
				r.rt.Add(peer.WithNodeID(id))
			}
		}
		return res.response, nil
	case <-timer.C:
		r.completePending(key, rpcResult{err: dhterr.ErrTimeout})
		r.pm.OnRPCFailure(peer)
		return nil, dhterr.ErrTimeout
	case <-ctx.Done():
		r.completePending(key, rpcResult{err: dhterr.ErrCancelled})
		return nil, dhterr.ErrCancelled
	}
}

// completePending delivers res to the pending request for key exactly
// once; a second call (e.g. a timeout racing a just-arrived reply) is a
// silent no-op.
func (r *RPC) completePending(key string, res rpcResult) {
	r.mu.Lock()
	pr, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok || pr.done {
		return
	}
	pr.done = true
	pr.resultCh <- res
}

func (r *RPC) handleDatagram(data []byte, from *net.UDPAddr) {
	frame, err := wire.Decode(data)
	if err != nil {
		log.Debugf("dropping malformed datagram from %s: %v", from, err)
		return
	}

	switch f := frame.(type) {
	case *wire.Response:
		r.handleResponse(f, from)
	case *wire.ErrorFrame:
		r.handleError(f, from)
	case *wire.Request:
		r.handleRequest(f, from)
	}
}

func (r *RPC) handleResponse(f *wire.Response, from *net.UDPAddr) {
	r.mu.Lock()
	pr, ok := r.pending[string(f.RPCID)]
	r.mu.Unlock()
	if !ok {
		log.Debugf("response for unknown/expired rpc_id from %s", from)
		return
	}
	if !pr.peer.Address.Equal(from.IP) || int(pr.peer.UDPPort) != from.Port {
		log.Warnf("dropping response for rpc_id %x: address mismatch (expected %s, got %s)",
			f.RPCID, pr.peer.Key(), from)
		return
	}
	if bytes.Equal(f.NodeID, r.localID.Bytes()) {
		log.Warnf("rejecting response for rpc_id %x: responder claims this node's own id", f.RPCID)
		r.completePending(string(f.RPCID), rpcResult{err: dhterr.NewRemoteException("", "response carries this node's own id")})
		return
	}
	r.completePending(string(f.RPCID), rpcResult{response: f})
}

func (r *RPC) handleError(f *wire.ErrorFrame, from *net.UDPAddr) {
	if oldProtocolErrors[f.ExceptionType] {
		log.Debugf("remote exception from %s: %s: %s", from, f.ExceptionType, f.Message)
	} else {
		log.Warnf("remote exception from %s: %s: %s", from, f.ExceptionType, f.Message)
	}
	r.completePending(string(f.RPCID), rpcResult{err: dhterr.NewRemoteException(f.ExceptionType, f.Message)})
}

func (r *RPC) handleRequest(f *wire.Request, from *net.UDPAddr) {
	senderID, err := identifier.FromBytes(f.NodeID)
	if err != nil {
		log.Debugf("dropping request with malformed node_id from %s", from)
		return
	}
	if senderID.Equal(r.localID) {
		log.Debugf("dropping request from self (loopback from %s)", from)
		return
	}

	sender, err := contact.New(senderID, true, from.IP, uint16(from.Port), 0, 0)
	if err != nil {
		log.Debugf("dropping request with invalid sender address from %s: %v", from, err)
		return
	}
	r.pm.OnRequestReceived(sender)
	if r.bogon != nil && r.bogon.IsBogon(from.IP) {
		log.Debugf("not adding request sender at bogon address %s to the routing table", from)
	} else {
		r.rt.Add(sender)
	}

	result, rpcErr := r.dispatch(sender, f)
	if rpcErr != nil {
		r.sendError(f.RPCID, sender, rpcErr)
		return
	}
	r.sendResponse(f.RPCID, sender, result)
}

func (r *RPC) dispatch(sender contact.Contact, f *wire.Request) (interface{}, error) {
	args := f.Args
	if f.Method == wire.MethodStore {
		args = wire.MigrateLegacyStoreArgs(f.Args)
	}
	switch f.Method {
	case wire.MethodPing:
		return "pong", nil
	case wire.MethodFindNode:
		return r.handleFindNode(args)
	case wire.MethodFindValue:
		return r.handleFindValue(sender, args)
	case wire.MethodStore:
		return r.handleStore(sender, args)
	default:
		return nil, dhterr.NewRemoteException("UnknownRemoteMethod", fmt.Sprintf("unknown method %q", f.Method))
	}
}

func (r *RPC) handleFindNode(args []interface{}) (interface{}, error) {
	key, err := argID(args, 0)
	if err != nil {
		return nil, dhterr.NewInvalidArguments("%s", err.Error())
	}
	return nodeTriples(r.rt.NearestPeers(key, dhtconf.K)), nil
}

// handleFindValue returns a fresh token plus, on page 0, the K closest
// routing-table contacts, plus up to K compact TCP addresses of peers
// holding blobHash — paginated K at a time, in an order shuffled
// deterministically by this node's id once there are more than K holders,
// so every caller paging through sees the same sequence. If this node
// itself hosts the blob and fewer than K holders were found, it appends
// its own compact address before paginating.
func (r *RPC) handleFindValue(sender contact.Contact, args []interface{}) (interface{}, error) {
	key, err := argID(args, 0)
	if err != nil {
		return nil, dhterr.NewInvalidArguments("%s", err.Error())
	}
	page := 0
	if len(args) > 1 {
		if p, perr := argInt(args, 1); perr == nil && p > 0 {
			page = int(p)
		}
	}

	token := r.pm.IssueToken(sender.CompactIP())
	result := map[string]interface{}{
		"token": string(token),
	}
	if page == 0 {
		result["contacts"] = nodeTriples(r.rt.NearestPeers(key, dhtconf.K))
	}

	peers := r.bs.GetPeersForBlob(key)
	if sender.TCPPort != 0 {
		filtered := make([]contact.Contact, 0, len(peers))
		senderTCP := sender.CompactAddressTCP()
		for _, p := range peers {
			if !bytes.Equal(p.CompactAddressTCP(), senderTCP) {
				filtered = append(filtered, p)
			}
		}
		peers = filtered
	}
	if len(peers) < dhtconf.K && r.bs.IsCompleted(key) {
		if self, ok := r.selfContact(); ok {
			peers = append(peers, self)
		}
	}

	if len(peers) == 0 {
		result[wire.PageKey] = int64(0)
	} else {
		result[wire.PageKey] = int64(len(peers)/(dhtconf.K+1) + 1)
	}
	if len(peers) > dhtconf.K {
		shufflePeers(r.localID, peers)
	}

	start := page * dhtconf.K
	if start < len(peers) {
		end := start + dhtconf.K
		if end > len(peers) {
			end = len(peers)
		}
		compact := make([]interface{}, 0, end-start)
		for _, p := range peers[start:end] {
			compact = append(compact, string(p.CompactAddressTCP()))
		}
		result[hex.EncodeToString(key[:])] = compact
	}

	return result, nil
}

// selfContact builds this node's own TCP-reachable contact, used to
// self-announce as a blob holder. Returns ok=false if this node was never
// told its own externally-reachable address.
func (r *RPC) selfContact() (contact.Contact, bool) {
	if r.externalIP == nil {
		return contact.Contact{}, false
	}
	udpAddr, ok := r.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return contact.Contact{}, false
	}
	c, err := contact.New(r.localID, true, r.externalIP, uint16(udpAddr.Port), r.tcpPort, dhtconf.ProtocolVersion)
	if err != nil {
		return contact.Contact{}, false
	}
	return c, true
}

// shufflePeers deterministically reorders peers using a PRNG seeded by
// seed, so every caller paging through the same holder set in the same
// round sees identical page boundaries.
func shufflePeers(seed identifier.ID, peers []contact.Contact) {
	s := int64(binary.BigEndian.Uint64(seed.Bytes()[:8]))
	rnd := mathrand.New(mathrand.NewSource(s))
	rnd.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
}

func (r *RPC) handleStore(sender contact.Contact, args []interface{}) (interface{}, error) {
	if len(args) < 4 {
		return nil, dhterr.NewInvalidArguments("store requires blob_hash, token, port, original_publisher_id")
	}
	blobHash, err := argID(args, 0)
	if err != nil {
		return nil, dhterr.NewInvalidArguments("%s", err.Error())
	}
	token, ok := args[1].(string)
	if !ok {
		return nil, dhterr.NewInvalidArguments("token must be a string")
	}
	port, err := argInt(args, 2)
	if err != nil {
		return nil, dhterr.NewInvalidArguments("%s", err.Error())
	}
	if port < 1 || port > 65535 {
		return nil, dhterr.NewInvalidArguments("invalid tcp port %d", port)
	}

	if !r.pm.VerifyToken(sender.CompactIP(), []byte(token)) {
		return nil, dhterr.NewRemoteException("InvalidToken", "token is invalid or expired")
	}

	announcer := sender.WithTCPPort(uint16(port))
	r.bs.AddPeerForBlob(blobHash, announcer)
	return "OK", nil
}

func (r *RPC) sendResponse(rpcID []byte, to contact.Contact, result interface{}) {
	frame, err := wire.EncodeResponse(wire.Response{RPCID: rpcID, NodeID: r.localID.Bytes(), Result: result})
	if err != nil {
		log.Warnf("failed to encode response to %s: %v", to.Key(), err)
		return
	}
	r.writeTo(to, frame)
}

func (r *RPC) sendError(rpcID []byte, to contact.Contact, err error) {
	exceptionType, message := classifyError(err)
	frame, encErr := wire.EncodeError(wire.ErrorFrame{
		RPCID:         rpcID,
		NodeID:        r.localID.Bytes(),
		ExceptionType: exceptionType,
		Message:       message,
	})
	if encErr != nil {
		log.Warnf("failed to encode error reply to %s: %v", to.Key(), encErr)
		return
	}
	r.writeTo(to, frame)
}

func (r *RPC) writeTo(to contact.Contact, frame []byte) {
	addr := &net.UDPAddr{IP: to.Address, Port: int(to.UDPPort)}
	if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
		log.Debugf("failed to send datagram to %s: %v", to.Key(), err)
	}
}

func classifyError(err error) (string, string) {
	if ia, ok := err.(*dhterr.InvalidArguments); ok {
		return "InvalidArgument", ia.Error()
	}
	if re, ok := err.(*dhterr.RemoteException); ok {
		return re.ExceptionType, re.Message
	}
	return "UnknownError", err.Error()
}

// StoreToPeer stores blobHash with peer, fetching a fresh token via
// findValue and retrying once if the peer rejects an already-held token
// as invalid — tokens rotate, so a token cached from an earlier lookup
// can legitimately go stale between fetch and use.
func (r *RPC) StoreToPeer(ctx context.Context, peer contact.Contact, blobHash identifier.ID, token []byte) error {
	err := r.store(ctx, peer, blobHash, token)
	if err == nil {
		return nil
	}
	var re *dhterr.RemoteException
	if e, ok := err.(*dhterr.RemoteException); ok {
		re = e
	}
	if re == nil || re.ExceptionType != "InvalidToken" {
		return err
	}

	resp, findErr := r.Request(ctx, peer, wire.MethodFindValue, []interface{}{string(blobHash.Bytes())})
	if findErr != nil {
		return findErr
	}
	fresh, ferr := freshToken(resp.Result)
	if ferr != nil {
		return ferr
	}
	return r.store(ctx, peer, blobHash, fresh)
}

func (r *RPC) store(ctx context.Context, peer contact.Contact, blobHash identifier.ID, token []byte) error {
	args := []interface{}{
		string(blobHash.Bytes()),
		string(token),
		int64(r.tcpPort),
		string(r.localID.Bytes()),
		int64(0),
	}
	_, err := r.Request(ctx, peer, wire.MethodStore, args)
	return err
}

func freshToken(result interface{}) ([]byte, error) {
	dict, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("rpc: findValue result is not a dict")
	}
	tok, ok := dict["token"].(string)
	if !ok {
		return nil, fmt.Errorf("rpc: findValue result missing token")
	}
	return []byte(tok), nil
}

func nodeTriples(peers []contact.Contact) []interface{} {
	out := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, []interface{}{
			string(p.Address.To4()),
			int64(p.UDPPort),
			string(p.NodeID.Bytes()),
		})
	}
	return out
}

func argID(args []interface{}, i int) (identifier.ID, error) {
	if i >= len(args) {
		return identifier.ID{}, fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return identifier.ID{}, fmt.Errorf("argument %d must be a byte string", i)
	}
	return identifier.FromBytes([]byte(s))
}

func argInt(args []interface{}, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch n := args[i].(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("argument %d must be an integer", i)
	}
}
