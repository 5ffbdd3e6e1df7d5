package dbuscache

import (
	"encoding/xml"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// introspectRequest is one queued Introspect() call, grounded on
// cockpitdbuscache.c's IntrospectData. iface, when set, names the single
// interface the caller is actually waiting on (introspectMaybe's use);
// when empty, the call is a plain "learn what's at this path" request
// from Watch/scrape/children-walk.
type introspectRequest struct {
	path          string
	iface         string
	batch         *batch
	callback      func(iface *introspect.Interface)
	introspecting bool
}

// introspectMaybe calls cb immediately with the already-known schema for
// iface if the cache has seen it before, skipping the RPC entirely.
// Otherwise it queues an Introspect() call, joining batch b (or creating
// a fresh one if b is nil).
func (c *Cache) introspectMaybe(b *batch, path, iface string, cb func(*introspect.Interface)) {
	if ifc, ok := c.introspected[iface]; ok {
		if cb != nil {
			cb(ifc)
		}
		return
	}
	used := b
	if used == nil {
		used = c.batchCreate()
	}
	c.introspectQueue(used, path, iface, cb)
	if b == nil {
		c.batchUnref(used)
	}
}

func (c *Cache) introspectQueue(b *batch, path, iface string, cb func(*introspect.Interface)) {
	req := &introspectRequest{
		path:     c.intern(path),
		iface:    c.intern(iface),
		batch:    c.batchRef(b),
		callback: cb,
	}
	c.introspects = append(c.introspects, req)
	c.introspectNext()
}

// introspectNext issues the next Introspect() call if the head of the
// queue isn't already in flight. Exactly one Introspect() call is ever
// outstanding at a time, mirroring introspect_next's single-in-flight
// contract.
func (c *Cache) introspectNext() {
	if len(c.introspects) == 0 {
		return
	}
	req := c.introspects[0]
	if req.introspecting {
		return
	}
	if c.closed {
		c.introspects = c.introspects[1:]
		c.introspectComplete(req)
		c.introspectNext()
		return
	}

	req.introspecting = true
	path := req.path
	ctx, cancel := c.callCtx()
	c.log.Debugf("calling Introspect() on %s", path)
	go func() {
		defer cancel()
		xmlDoc, err := c.remote.Introspect(ctx, dbus.ObjectPath(path))
		c.loop.Post(func() {
			c.onIntrospectReply(path, xmlDoc, err)
		})
	}()
}

func (c *Cache) onIntrospectReply(path, xmlDoc string, err error) {
	if len(c.introspects) == 0 {
		return
	}
	req := c.introspects[0]
	c.introspects = c.introspects[1:]

	switch {
	case err != nil:
		logTieredError(c.log, err, "couldn't introspect %s", path)
	default:
		c.log.Debugf("reply from Introspect() at %s", path)
		var node introspect.Node
		if xerr := xml.Unmarshal([]byte(xmlDoc), &node); xerr != nil {
			c.log.Warnf("invalid introspection XML from %s: %v", path, xerr)
		} else {
			c.processIntrospectNode(req.batch, path, &node, req.iface == "")
		}
	}

	c.introspectComplete(req)
	c.introspectNext()
}

// introspectComplete calls back req's caller (synthesizing an empty
// interface schema if one was expected but Introspect never reported
// it, so the meta-before-update ordering guarantee still holds) and
// releases its batch reference.
func (c *Cache) introspectComplete(req *introspectRequest) {
	var iface *introspect.Interface
	if req.iface != "" {
		iface = c.introspected[req.iface]
		if iface == nil {
			c.log.Debugf("introspect interface %s didn't work", req.iface)
			iface = &introspect.Interface{Name: req.iface}
			c.introspected[req.iface] = iface
		}
	}
	if req.callback != nil {
		req.callback(iface)
	}
	c.batchUnref(req.batch)
}

// introspectFlush completes every queued request with no result, for
// the dispose path.
func (c *Cache) introspectFlush() {
	pending := c.introspects
	c.introspects = nil
	for _, req := range pending {
		c.introspectComplete(req)
	}
}

// processIntrospectNode records node's interfaces into the schema and
// property caches, switches to an ObjectManager load if node advertises
// one (and the caller asked for recursive processing), and otherwise
// walks node's children when recursive is set.
func (c *Cache) processIntrospectNode(b *batch, path string, node *introspect.Node, recursive bool) {
	if _, managed := c.managed.ContainsOrAncestor(path); managed {
		recursive = false
	}

	if recursive {
		for i := range node.Interfaces {
			if node.Interfaces[i].Name == objectManagerInterface {
				c.retrieveManagedObjects(path, b)
				return
			}
		}
	}

	seen := c.snapshotInterfaces(path)

	for i := range node.Interfaces {
		iface := &node.Interfaces[i]
		if iface.Name == "" {
			c.log.Warnf("received interface at %s without a name", path)
			continue
		}

		stored, known := c.introspected[iface.Name]
		if !known {
			cp := *iface
			c.introspected[cp.Name] = &cp
			stored = &cp
		}

		if strings.HasPrefix(stored.Name, dbusWellKnownInterfaces) {
			c.ensureInterfaces(path)
			delete(seen, stored.Name)
			continue
		}

		delete(seen, stored.Name)

		if recursive && c.rules.Match(path, stored.Name, "", "") {
			c.retrieveProperties(b, path, stored)
		}
	}

	for name := range seen {
		c.processRemoved(path, name)
	}

	if recursive {
		c.processIntrospectChildren(b, path, node)
	}
}

func joinObjectPath(parent, child string) string {
	if strings.HasPrefix(child, "/") {
		return child
	}
	if parent == "/" {
		return "/" + child
	}
	return parent + "/" + child
}

// processIntrospectChildren pokes any child node discovered in the
// introspection reply that the rules cover and that isn't already
// inside a known ObjectManager subtree, and treats any direct-child
// path no longer mentioned as removed.
func (c *Cache) processIntrospectChildren(b *batch, parentPath string, node *introspect.Node) {
	snapshot := c.snapshotChildPaths(parentPath)

	for i := range node.Children {
		child := &node.Children[i]
		if child.Name == "" {
			continue
		}
		childPath := joinObjectPath(parentPath, child.Name)
		delete(snapshot, childPath)

		if !c.rules.Match(childPath, "", "", "") {
			continue
		}
		if _, managed := c.managed.ContainsOrAncestor(childPath); managed {
			continue
		}

		if len(child.Interfaces) > 0 {
			c.processIntrospectNode(b, c.intern(childPath), child, true)
		} else {
			c.introspectQueue(b, childPath, "", nil)
		}
	}

	for path := range snapshot {
		c.processRemovedPath(path)
	}
}
