// Package ble connects the orchestrator to the BLE gateway over MQTT.
//
// The gateway owns the radio. It publishes what it hears and executes
// transfers on the core's behalf:
//
//	{prefix}/advert/app/{id}          application advertisements   -> AppAdverts
//	{prefix}/advert/bootloader/{id}   update-mode advertisements   -> BootloaderAdverts
//	{prefix}/dfu/command/{id}         start / abort a transfer     <- Bridge (dfu.Engine)
//	{prefix}/dfu/event/{id}           transfer engine callbacks    -> Bridge (dfu.Engine)
//	{prefix}/notify                   user-facing notices          <- Notifier
//	{prefix}/gateway/status           gateway presence (retained)  -> Bridge
//
// Every MQTT callback only decodes and enqueues. Delivery to consumers goes
// through unbounded queues so a slow orchestrator loop never stalls the
// MQTT client.
package ble
