package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every topic when no prefix is configured.
const DefaultTopicPrefix = "probeota"

// Topics builds the topic hierarchy shared by the core and the BLE gateway.
//
//	{prefix}/advert/app/{id}          gateway -> core  application-mode advertisements
//	{prefix}/advert/bootloader/{id}   gateway -> core  update-mode advertisements
//	{prefix}/dfu/command/{id}         core -> gateway  start / abort a transfer
//	{prefix}/dfu/event/{id}           gateway -> core  transfer engine callbacks
//	{prefix}/notify                   core -> gateway  user-facing notices
//	{prefix}/core/status              core presence (retained, LWT)
//	{prefix}/gateway/status           gateway presence (retained, LWT)
//
// Device ids are BLE addresses and appear as the last topic level.
type Topics struct {
	Prefix string
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// AppAdvert returns the application advertisement topic for one device.
func (t Topics) AppAdvert(id string) string {
	return fmt.Sprintf("%s/advert/app/%s", t.root(), id)
}

// BootloaderAdvert returns the bootloader advertisement topic for one device.
func (t Topics) BootloaderAdvert(id string) string {
	return fmt.Sprintf("%s/advert/bootloader/%s", t.root(), id)
}

// DFUCommand returns the transfer command topic for one device.
func (t Topics) DFUCommand(id string) string {
	return fmt.Sprintf("%s/dfu/command/%s", t.root(), id)
}

// DFUEvent returns the transfer event topic for one device.
func (t Topics) DFUEvent(id string) string {
	return fmt.Sprintf("%s/dfu/event/%s", t.root(), id)
}

// Notify returns the notification topic.
func (t Topics) Notify() string {
	return t.root() + "/notify"
}

// CoreStatus returns the core presence topic.
func (t Topics) CoreStatus() string {
	return t.root() + "/core/status"
}

// GatewayStatus returns the gateway presence topic.
func (t Topics) GatewayStatus() string {
	return t.root() + "/gateway/status"
}

// AllAppAdverts matches every application advertisement.
func (t Topics) AllAppAdverts() string {
	return t.root() + "/advert/app/+"
}

// AllBootloaderAdverts matches every bootloader advertisement.
func (t Topics) AllBootloaderAdverts() string {
	return t.root() + "/advert/bootloader/+"
}

// AllDFUEvents matches every transfer event.
func (t Topics) AllDFUEvents() string {
	return t.root() + "/dfu/event/+"
}

// DeviceID returns the last level of topic, or "" if topic has no levels.
func DeviceID(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	return topic[i+1:]
}
