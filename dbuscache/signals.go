package dbuscache

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// HandlePropertiesChanged feeds an org.freedesktop.DBus.Properties
// PropertiesChanged signal into the cache. The rules are checked
// synchronously, at signal-receipt time, but the actual batch/fetch work
// is deferred behind a barrier so it can never race ahead of whatever is
// already in flight for path.
func (c *Cache) HandlePropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant, invalidated []string) {
	p := string(path)
	if !c.rules.Match(p, iface, "PropertiesChanged", "") {
		return
	}

	c.Barrier(func() {
		b := c.batchCreate()
		watchPath := c.intern(p)
		ifaceName := c.intern(iface)

		c.introspectMaybe(b, watchPath, ifaceName, func(ifc *introspect.Interface) {
			if ifc != nil {
				c.processProperties(b, watchPath, ifc, changed)
			}
		})
		c.scrapeVariant(b, changed)

		if ifc, ok := c.introspected[ifaceName]; ok {
			for _, name := range invalidated {
				c.retrieveOneProperty(b, watchPath, ifc, c.intern(name))
			}
		}

		c.batchUnref(b)
	})
}

// retrieveOneProperty calls Get() for a single invalidated property.
func (c *Cache) retrieveOneProperty(b *batch, path string, iface *introspect.Interface, property string) {
	used := c.batchRef(b)
	objPath := dbus.ObjectPath(path)
	ifaceName := iface.Name
	ctx, cancel := c.callCtx()
	go func() {
		defer cancel()
		v, err := c.remote.Get(ctx, objPath, ifaceName, property)
		c.loop.Post(func() {
			c.onGetReply(used, path, iface, property, v, err)
		})
	}()
}

func (c *Cache) onGetReply(b *batch, path string, iface *introspect.Interface, property string, v dbus.Variant, err error) {
	if err != nil {
		logTieredError(c.log, err, "couldn't get %s %s at %s", iface.Name, property, path)
	} else {
		c.processGet(b, path, iface, property, v)
	}
	c.batchUnref(b)
}

// HandleInterfacesAdded feeds an ObjectManager InterfacesAdded signal.
// managerPath is the path the signal was emitted from (the manager
// itself); objectPath is the path named inside the signal body, which
// may be a descendant of managerPath. The manager is registered as
// managed immediately, at signal-receipt time, so a concurrent Watch
// sees it right away; the rest is deferred behind a barrier.
func (c *Cache) HandleInterfacesAdded(managerPath, objectPath dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	mgr := c.intern(string(managerPath))
	_, firstTime := c.managed.Add(mgr)

	c.Barrier(func() {
		var b *batch
		if firstTime {
			b = c.batchCreate()
			c.retrieveManagedObjects(mgr, b)
		}
		c.processInterfaces(b, nil, c.intern(string(objectPath)), ifaces)
		if b != nil {
			c.batchUnref(b)
		}
	})
}

// HandleInterfacesRemoved feeds an ObjectManager InterfacesRemoved
// signal. Unlike HandleInterfacesAdded, a batch is always created here:
// removal has to be reflected even when nothing else is in flight.
func (c *Cache) HandleInterfacesRemoved(managerPath, objectPath dbus.ObjectPath, interfaces []string) {
	mgr := c.intern(string(managerPath))
	_, firstTime := c.managed.Add(mgr)
	path := c.intern(string(objectPath))

	c.Barrier(func() {
		b := c.batchCreate()
		if firstTime {
			c.retrieveManagedObjects(mgr, b)
		}
		for _, name := range interfaces {
			c.processRemoved(path, c.intern(name))
		}
		c.batchUnref(b)
	})
}

var unknownDBusErrors = map[string]struct{}{
	"org.freedesktop.DBus.Error.UnknownMethod":    {},
	"org.freedesktop.DBus.Error.UnknownObject":    {},
	"org.freedesktop.DBus.Error.UnknownInterface": {},
	"org.freedesktop.DBus.Error.UnknownProperty":  {},
	"org.freedesktop.DBus.Error.AccessDenied":     {},
}

// isUnknownDBusError reports whether err is one of the DBus error names
// that cockpitdbuscache.c treats as routine (debug-logged) rather than
// surprising (warn-logged): the remote object simply doesn't have what
// was asked for, or access was refused, or the bridge is shutting down.
func isUnknownDBusError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		_, known := unknownDBusErrors[dbusErr.Name]
		return known
	}
	return false
}

func logTieredError(log interface {
	Debugf(string, ...any)
	Warnf(string, ...any)
}, err error, format string, args ...any) {
	args = append(append([]any{}, args...), err)
	if isUnknownDBusError(err) {
		log.Debugf(format+": %v", args...)
	} else {
		log.Warnf(format+": %v", args...)
	}
}
