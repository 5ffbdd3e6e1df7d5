package dbuscache

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/deskbridge/bridge/internal/pathset"
)

// retrieveManagedObjects calls GetManagedObjects() at path, joining batch b.
func (c *Cache) retrieveManagedObjects(path string, b *batch) {
	c.log.Debugf("calling GetManagedObjects() at %s", path)

	used := c.batchRef(b)
	objPath := dbus.ObjectPath(path)
	ctx, cancel := c.callCtx()
	go func() {
		defer cancel()
		objs, err := c.remote.GetManagedObjects(ctx, objPath)
		c.loop.Post(func() {
			c.onGetManagedObjectsReply(used, path, objs, err)
		})
	}()
}

func (c *Cache) onGetManagedObjectsReply(b *batch, path string, objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant, err error) {
	if err != nil {
		logTieredError(c.log, err, "couldn't get managed objects at %s", path)
	} else {
		c.log.Debugf("reply to GetManagedObjects() at %s", path)
		c.managed.Add(path)
		c.processGetManagedObjects(b, path, objs)
	}

	// The manager's own interfaces (beyond ObjectManager) aren't part of
	// its own GetManagedObjects reply, so introspect it plainly too.
	c.introspectQueue(b, path, "", nil)
	c.batchUnref(b)
}

// processGetManagedObjects diffs objs against everything already cached
// under managerPath, applying adds/changes via processPaths and removing
// whatever used to be there but wasn't mentioned at all.
func (c *Cache) processGetManagedObjects(b *batch, managerPath string, objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) {
	snapshot := map[string]struct{}{}
	for path := range c.cache {
		if pathset.EqualOrAncestor(path, managerPath) {
			snapshot[path] = struct{}{}
		}
	}

	c.processPaths(b, snapshot, objs)

	for path := range snapshot {
		c.processRemovedPath(path)
	}
}

func (c *Cache) processPaths(b *batch, outerSnapshot map[string]struct{}, objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) {
	for objPath, ifaces := range objs {
		path := c.intern(string(objPath))
		delete(outerSnapshot, path)

		inner := c.snapshotInterfaces(path)
		c.processInterfaces(b, inner, path, ifaces)
		for name := range inner {
			c.processRemoved(path, name)
		}
	}
}

// processInterfaces applies one path's worth of interface->properties
// dict (from a GetManagedObjects reply or an InterfacesAdded signal),
// removing anything mentioned from snapshot (when provided, i.e. when
// called for a path already known) so the caller can tell what's left
// over, and scraping both the dict and each interface's properties for
// further object-path references.
func (c *Cache) processInterfaces(b *batch, snapshot map[string]struct{}, path string, ifaces map[string]map[string]dbus.Variant) {
	used := b
	for name, dict := range ifaces {
		if !c.rules.Match(path, name, "", "") {
			continue
		}
		if snapshot != nil {
			delete(snapshot, name)
		}
		if used == nil {
			used = c.batchCreate()
		}

		held := c.batchRef(used)
		ifaceName := c.intern(name)
		dictCopy := dict
		c.introspectMaybe(used, path, ifaceName, func(ifc *introspect.Interface) {
			if ifc != nil {
				c.processProperties(held, path, ifc, dictCopy)
			}
			c.batchUnref(held)
		})
		c.scrapeVariant(used, dict)
	}
	if used != nil && used != b {
		c.batchUnref(used)
	}
}

func (c *Cache) processRemoved(path, iface string) {
	ifaces, ok := c.cache[path]
	if !ok {
		return
	}
	if _, ok := ifaces[iface]; !ok {
		return
	}
	delete(ifaces, iface)
	if len(ifaces) == 0 {
		delete(c.cache, path)
	}
	c.log.Debugf("removed %s at %s", iface, path)
	c.emitRemove(path, iface)
}

func (c *Cache) processRemovedPath(path string) {
	ifaces, ok := c.cache[path]
	if !ok {
		return
	}
	for iface := range ifaces {
		c.processRemoved(path, iface)
	}
}
