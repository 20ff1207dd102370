package protocol

// Meta carries the two fields present on every frame.
type Meta struct {
	Type      Type      `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
}

func (m *Meta) frameMeta() *Meta { return m }

// Frame is one message on the tunnel. The implementations are exactly the
// frame types in this package.
type Frame interface {
	FrameType() Type
	frameMeta() *Meta
}

// Request is a frame the gateway sends down the tunnel and correlates by
// request_id.
type Request interface {
	Frame
	GetRequestID() string
	SetRequestID(id string)
}

// Response is a frame that answers a Request.
type Response interface {
	Frame
	GetRequestID() string
}

// Row is one result record: column name to normalized scalar.
type Row = map[string]any

// Employee is one employee record with schema-defined columns.
type Employee = map[string]any

// ─── Handshake ───────────────────────────────────────────────────────────────

// AuthRequest opens the handshake (agent → gateway).
type AuthRequest struct {
	Meta
	GatewayToken  string `json:"gateway_token"`
	AgentVersion  string `json:"agent_version"`
	AgentHostname string `json:"agent_hostname,omitempty"`
	AgentOS       string `json:"agent_os,omitempty"`
}

func (*AuthRequest) FrameType() Type { return TypeAuthRequest }

// AuthResponse concludes the handshake (gateway → agent). On success it
// carries the session identity and the cadences the agent must adopt.
type AuthResponse struct {
	Meta
	Status            AuthStatus `json:"status"`
	SessionID         string     `json:"session_id,omitempty"`
	DatabaseID        string     `json:"database_id,omitempty"`
	DatabaseName      string     `json:"database_name,omitempty"`
	HeartbeatInterval int        `json:"heartbeat_interval,omitempty"`
	QueryTimeout      int        `json:"query_timeout,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

func (*AuthResponse) FrameType() Type { return TypeAuthResponse }

// ─── SQL ─────────────────────────────────────────────────────────────────────

// QueryRequest asks the agent to run one SQL statement locally.
type QueryRequest struct {
	Meta
	RequestID      string `json:"request_id"`
	SQLQuery       string `json:"sql_query"`
	Timeout        int    `json:"timeout"`
	MaxRows        int    `json:"max_rows"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (*QueryRequest) FrameType() Type        { return TypeQueryRequest }
func (f *QueryRequest) GetRequestID() string { return f.RequestID }
func (f *QueryRequest) SetRequestID(id string) {
	f.RequestID = id
}

// QueryResponse carries the result of a QueryRequest.
type QueryResponse struct {
	Meta
	RequestID       string   `json:"request_id"`
	Status          Status   `json:"status"`
	Columns         []string `json:"columns,omitempty"`
	Rows            []Row    `json:"rows,omitempty"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	ErrorCode       string   `json:"error_code,omitempty"`
}

func (*QueryResponse) FrameType() Type        { return TypeQueryResponse }
func (f *QueryResponse) GetRequestID() string { return f.RequestID }

// ─── Local HTTP ──────────────────────────────────────────────────────────────

// APIRequest asks the agent to call its local REST endpoint.
type APIRequest struct {
	Meta
	RequestID   string            `json:"request_id"`
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Timeout     int               `json:"timeout"`
}

func (*APIRequest) FrameType() Type        { return TypeAPIRequest }
func (f *APIRequest) GetRequestID() string { return f.RequestID }
func (f *APIRequest) SetRequestID(id string) {
	f.RequestID = id
}

// APIResponse carries the result of an APIRequest. Body is the parsed JSON
// value when the local endpoint returned JSON, otherwise a plain string.
type APIResponse struct {
	Meta
	RequestID       string            `json:"request_id"`
	Status          Status            `json:"status"`
	StatusCode      int               `json:"status_code,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            any               `json:"body,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
}

func (*APIResponse) FrameType() Type        { return TypeAPIResponse }
func (f *APIResponse) GetRequestID() string { return f.RequestID }

// ─── Employee lookup ─────────────────────────────────────────────────────────

// EmployeeLookupRequest asks the agent to resolve an employee identifier.
type EmployeeLookupRequest struct {
	Meta
	RequestID  string     `json:"request_id"`
	Identifier string     `json:"identifier"`
	LookupType LookupType `json:"lookup_type"`
	Timeout    int        `json:"timeout"`
}

func (*EmployeeLookupRequest) FrameType() Type        { return TypeEmployeeLookupRequest }
func (f *EmployeeLookupRequest) GetRequestID() string { return f.RequestID }
func (f *EmployeeLookupRequest) SetRequestID(id string) {
	f.RequestID = id
}

// EmployeeLookupResponse carries the result of an EmployeeLookupRequest.
// Employee is set on success; Employees lists candidates on multiple_found.
type EmployeeLookupResponse struct {
	Meta
	RequestID       string     `json:"request_id"`
	Status          Status     `json:"status"`
	Employee        Employee   `json:"employee,omitempty"`
	Employees       []Employee `json:"employees,omitempty"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func (*EmployeeLookupResponse) FrameType() Type        { return TypeEmployeeLookupResponse }
func (f *EmployeeLookupResponse) GetRequestID() string { return f.RequestID }

// ─── Liveness ────────────────────────────────────────────────────────────────

// Heartbeat reports agent liveness and local backend health (agent → gateway).
// Counters are monotonic for the life of the agent process.
type Heartbeat struct {
	Meta
	SessionID           string        `json:"session_id"`
	DBStatus            BackendStatus `json:"db_status"`
	APIStatus           BackendStatus `json:"api_status"`
	QueriesExecuted     int64         `json:"queries_executed"`
	APIRequestsExecuted int64         `json:"api_requests_executed"`
	UptimeSeconds       int64         `json:"uptime_seconds"`
}

func (*Heartbeat) FrameType() Type { return TypeHeartbeat }

// HeartbeatAck answers a Heartbeat with the gateway's wall clock.
type HeartbeatAck struct {
	Meta
	SessionID  string    `json:"session_id"`
	ServerTime Timestamp `json:"server_time"`
}

func (*HeartbeatAck) FrameType() Type { return TypeHeartbeatAck }

// DBStatusUpdate reports a local database health change out of band.
type DBStatusUpdate struct {
	Meta
	SessionID    string        `json:"session_id"`
	Status       BackendStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

func (*DBStatusUpdate) FrameType() Type { return TypeDBStatusUpdate }

// ─── Control ─────────────────────────────────────────────────────────────────

// ErrorFrame reports a protocol-level problem without closing the tunnel.
type ErrorFrame struct {
	Meta
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id,omitempty"`
}

func (*ErrorFrame) FrameType() Type { return TypeError }

// Disconnect announces an orderly shutdown of one side.
type Disconnect struct {
	Meta
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (*Disconnect) FrameType() Type { return TypeDisconnect }

// newFrame allocates the concrete type for a tag, or nil when the tag is
// outside the protocol.
func newFrame(t Type) Frame {
	switch t {
	case TypeAuthRequest:
		return &AuthRequest{}
	case TypeAuthResponse:
		return &AuthResponse{}
	case TypeQueryRequest:
		return &QueryRequest{}
	case TypeQueryResponse:
		return &QueryResponse{}
	case TypeAPIRequest:
		return &APIRequest{}
	case TypeAPIResponse:
		return &APIResponse{}
	case TypeEmployeeLookupRequest:
		return &EmployeeLookupRequest{}
	case TypeEmployeeLookupResponse:
		return &EmployeeLookupResponse{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeHeartbeatAck:
		return &HeartbeatAck{}
	case TypeDBStatusUpdate:
		return &DBStatusUpdate{}
	case TypeError:
		return &ErrorFrame{}
	case TypeDisconnect:
		return &Disconnect{}
	}
	return nil
}
