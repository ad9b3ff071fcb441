// Package device defines the BLE transport contract used to provision the
// bracelet, together with the identity types that keep the platform peripheral
// id apart from the firmware's physical device id.
//
// The package contains:
//   - Transport, Link and Subscription interfaces implemented by go-ble
//   - PeripheralID and PhysicalDeviceID
//   - the bracelet GATT profile and WiFi status tokens
//   - the transport error taxonomy
package device
