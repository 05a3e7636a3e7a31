package bus

// Standard D-Bus names
const (
	DBUS_INTERFACE = "org.freedesktop.DBus"
	DBUS_PATH      = "/org/freedesktop/DBus"

	INTROSPECTABLE  = DBUS_INTERFACE + ".Introspectable"
	DBUS_PROP_IFACE = DBUS_INTERFACE + ".Properties"

	PROP_GET     = DBUS_PROP_IFACE + ".Get"
	PROP_GET_ALL = DBUS_PROP_IFACE + ".GetAll"

	NAME_OWNER_CHANGED = "NameOwnerChanged"
)
