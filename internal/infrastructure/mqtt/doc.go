// Package mqtt mirrors flasher events to an MQTT broker and accepts a
// small set of inbound commands.
//
// Published: the retained device list, task progress and results,
// missing-driver events and device log lines. Inbound commands arrive on
// dccflasher/command/{name}; SubscribeCommands hands the name to the
// caller. Topic names are built with Topics.
//
// The connection keeps a retained online/offline marker (with a last
// will for crashes) on dccflasher/system/status and re-subscribes after
// every reconnect.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishJSON(mqtt.Topics{}.Devices(), devices, true)
package mqtt
