package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Request signature headers sent with every OTA HTTP request.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Device-Timestamp"
	HeaderSignature = "X-Device-Signature"
)

type Credentials struct {
	ClientID string
	Username string
	Password string
}

// GenerateMQTTCredentials derives the MQTT login of a device from its secret.
func GenerateMQTTCredentials(deviceID, deviceSecret, sdkVersion string) *Credentials {
	clientID := fmt.Sprintf("%s|signmethod=hmacsha256,_v=%s|", deviceID, sdkVersion)
	signContent := fmt.Sprintf("clientId%sdeviceId%s", deviceID, deviceID)

	return &Credentials{
		ClientID: clientID,
		Username: deviceID,
		Password: calculateHMACSHA256(signContent, deviceSecret),
	}
}

// Signer signs OTA HTTP requests with the device secret.
type Signer struct {
	DeviceID     string
	DeviceSecret string
	Now          func() time.Time
}

func NewSigner(deviceID, deviceSecret string) *Signer {
	return &Signer{DeviceID: deviceID, DeviceSecret: deviceSecret, Now: time.Now}
}

// Sign returns the headers authenticating a request for method and path.
func (s *Signer) Sign(method, path string) map[string]string {
	ts := strconv.FormatInt(s.Now().Unix(), 10)
	return map[string]string{
		HeaderDeviceID:  s.DeviceID,
		HeaderTimestamp: ts,
		HeaderSignature: RequestSignature(s.DeviceID, s.DeviceSecret, method, path, ts),
	}
}

// RequestSignature is the HMAC-SHA256 over the device id, method, path and
// timestamp of a request.
func RequestSignature(deviceID, deviceSecret, method, path, timestamp string) string {
	signContent := fmt.Sprintf("deviceId%smethod%spath%stimestamp%s", deviceID, method, path, timestamp)
	return calculateHMACSHA256(signContent, deviceSecret)
}

// Verify checks a request signature in constant time.
func Verify(deviceID, deviceSecret, method, path, timestamp, signature string) bool {
	expected := RequestSignature(deviceID, deviceSecret, method, path, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func calculateHMACSHA256(data, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
