// Package rrpc serves request/response commands over MQTT. A request on
// /ota/device/{id}/rrpc/request/{requestId} is answered on the matching
// response topic.
package rrpc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/iot-ota-sdk/pkg/mqtt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Response codes.
const (
	CodeOK          = 200
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeServerError = 500
)

// RequestHandler answers one method. The returned data is marshalled into
// the response.
type RequestHandler func(requestID string, params json.RawMessage) (interface{}, error)

// Messenger is the part of the MQTT client the server needs.
type Messenger interface {
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

type Request struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID      string      `json:"id"`
	Version string      `json:"version"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type Server struct {
	client       Messenger
	deviceID     string
	handlers     map[string]RequestHandler
	mutex        sync.RWMutex
	logger       logrus.FieldLogger
	requestIDReg *regexp.Regexp
}

func NewServer(client Messenger, deviceID string) *Server {
	return &Server{
		client:       client,
		deviceID:     deviceID,
		handlers:     make(map[string]RequestHandler),
		logger:       logrus.StandardLogger().WithField("system", "rrpc"),
		requestIDReg: regexp.MustCompile(`^/ota/device/` + regexp.QuoteMeta(deviceID) + `/rrpc/request/(.+)$`),
	}
}

func (s *Server) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

func (s *Server) requestTopic() string {
	return fmt.Sprintf("/ota/device/%s/rrpc/request/+", s.deviceID)
}

func (s *Server) responseTopic(requestID string) string {
	return fmt.Sprintf("/ota/device/%s/rrpc/response/%s", s.deviceID, requestID)
}

func (s *Server) Start() error {
	if !s.client.IsConnected() {
		return errors.New("MQTT client is not connected")
	}
	return s.client.Subscribe(s.requestTopic(), 0, s.handleRequest)
}

func (s *Server) Stop() error {
	return s.client.Unsubscribe(s.requestTopic())
}

func (s *Server) RegisterHandler(method string, handler RequestHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[method] = handler
}

func (s *Server) UnregisterHandler(method string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.handlers, method)
}

func (s *Server) handleRequest(topic string, payload []byte) {
	requestID := s.extractRequestID(topic)
	if requestID == "" {
		s.logger.WithField("topic", topic).Warn("Failed to extract request ID")
		return
	}
	log := s.logger.WithField("request", requestID)

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		log.WithError(err).Warn("Invalid request payload")
		s.sendResponse(requestID, Response{ID: requestID, Version: "1.0", Code: CodeBadRequest, Message: "Invalid JSON format"})
		return
	}
	log = log.WithField("method", request.Method)

	s.mutex.RLock()
	handler, exists := s.handlers[request.Method]
	s.mutex.RUnlock()

	response := Response{ID: request.ID, Version: "1.0"}
	if response.ID == "" {
		response.ID = requestID
	}

	if !exists {
		log.Warn("No handler registered")
		response.Code = CodeNotFound
		response.Message = fmt.Sprintf("Method '%s' not found", request.Method)
		s.sendResponse(requestID, response)
		return
	}

	data, err := handler(requestID, request.Params)
	if err != nil {
		log.WithError(err).Info("Handler returned error")
		response.Code = CodeServerError
		response.Message = err.Error()
		s.sendResponse(requestID, response)
		return
	}

	response.Code = CodeOK
	response.Data = data
	s.sendResponse(requestID, response)
}

func (s *Server) extractRequestID(topic string) string {
	matches := s.requestIDReg.FindStringSubmatch(topic)
	if len(matches) < 2 {
		return ""
	}
	return matches[1]
}

func (s *Server) sendResponse(requestID string, response Response) {
	payload, err := json.Marshal(response)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal response")
		return
	}

	topic := s.responseTopic(requestID)
	if err := s.client.Publish(topic, payload, 0, false); err != nil {
		s.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish response")
	}
}
