// Package parsetest runs an in-memory stand-in for the Parse Server REST API.
package parsetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"marki/parse"
)

const (
	AppID     = "marki-test"
	RESTKey   = "rest-test"
	MasterKey = "master-test"
)

type FunctionHandler func(params map[string]any) (any, error)

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	seq       int
	classes   map[string]map[string]map[string]any
	passwords map[string]string
	sessions  map[string]string
	schemas   map[string]parse.Schema
	functions map[string]FunctionHandler
	failNext  []int
	failOn    map[string]int
	requests  []string
}

// New starts a fake server and closes it when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		classes:   map[string]map[string]map[string]any{},
		passwords: map[string]string{},
		sessions:  map[string]string{},
		schemas:   map[string]parse.Schema{},
		functions: map[string]FunctionHandler{},
		failOn:    map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Client returns a master-key client pointed at the fake.
func (s *Server) Client() *parse.Client {
	return parse.New(parse.Config{
		ServerURL: s.URL,
		AppID:     AppID,
		RESTKey:   RESTKey,
		MasterKey: MasterKey,
		Timeout:   5 * time.Second,
	})
}

// Seed stores obj in class and returns its objectId.
func (s *Server) Seed(class string, obj map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(class, normalize(obj))
}

// SeedUser creates a user with a password usable by /login.
func (s *Server) SeedUser(username, password string, fields map[string]any) string {
	obj := map[string]any{"username": username}
	for k, v := range fields {
		obj[k] = v
	}
	id := s.Seed("_User", obj)
	s.mu.Lock()
	s.passwords[id] = password
	s.mu.Unlock()
	return id
}

// Session registers a valid session token for userID.
func (s *Server) Session(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	token := fmt.Sprintf("r:session%06d", s.seq)
	s.sessions[token] = userID
	return token
}

func (s *Server) Objects(class string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, obj := range s.classes[class] {
		out = append(out, copyObj(obj))
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["objectId"]) < fmt.Sprint(out[j]["objectId"])
	})
	return out
}

func (s *Server) Object(class, id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.classes[class][id]
	if !ok {
		return nil
	}
	return copyObj(obj)
}

func (s *Server) HandleFunction(name string, h FunctionHandler) {
	s.mu.Lock()
	s.functions[name] = h
	s.mu.Unlock()
}

// FailNext makes the next request answer with status.
func (s *Server) FailNext(status int) {
	s.mu.Lock()
	s.failNext = append(s.failNext, status)
	s.mu.Unlock()
}

// FailOn makes the next request for "METHOD path" answer with status, e.g.
// FailOn("PUT /classes/Relances/obj0000004", 500).
func (s *Server) FailOn(request string, status int) {
	s.mu.Lock()
	s.failOn[request] = status
	s.mu.Unlock()
}

// Requests lists "METHOD path" of every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := r.Method + " " + r.URL.Path
	s.requests = append(s.requests, req)

	if r.Header.Get("X-Parse-Application-Id") != AppID {
		writeErr(w, http.StatusUnauthorized, 0, "unauthorized")
		return
	}
	if len(s.failNext) > 0 {
		status := s.failNext[0]
		s.failNext = s.failNext[1:]
		writeErr(w, status, 1, "injected failure")
		return
	}
	if status, ok := s.failOn[req]; ok {
		delete(s.failOn, req)
		writeErr(w, status, 1, "injected failure")
		return
	}

	var body map[string]any
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case parts[0] == "login" && r.Method == http.MethodPost:
		s.login(w, body)
	case parts[0] == "logout":
		delete(s.sessions, r.Header.Get("X-Parse-Session-Token"))
		writeJSON(w, http.StatusOK, map[string]any{})
	case parts[0] == "users" && len(parts) == 2 && parts[1] == "me":
		s.me(w, r)
	case parts[0] == "users":
		s.objects(w, r, "_User", parts[1:], body)
	case parts[0] == "classes" && len(parts) >= 2:
		s.objects(w, r, parts[1], parts[2:], body)
	case parts[0] == "schemas" && len(parts) == 2:
		s.schema(w, r, parts[1], body)
	case parts[0] == "functions" && len(parts) == 2:
		s.function(w, parts[1], body)
	default:
		writeErr(w, http.StatusNotFound, 0, "unknown route")
	}
}

func (s *Server) login(w http.ResponseWriter, body map[string]any) {
	username, _ := body["username"].(string)
	password, _ := body["password"].(string)
	for id, u := range s.classes["_User"] {
		if u["username"] == username && s.passwords[id] == password {
			s.seq++
			token := fmt.Sprintf("r:session%06d", s.seq)
			s.sessions[token] = id
			out := public("_User", u)
			out["sessionToken"] = token
			writeJSON(w, http.StatusOK, out)
			return
		}
	}
	writeErr(w, http.StatusNotFound, parse.CodeObjectNotFound, "Invalid username/password.")
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessions[r.Header.Get("X-Parse-Session-Token")]
	if !ok {
		writeErr(w, http.StatusBadRequest, parse.CodeInvalidSession, "Invalid session token")
		return
	}
	u, ok := s.classes["_User"][id]
	if !ok {
		writeErr(w, http.StatusBadRequest, parse.CodeInvalidSession, "Invalid session token")
		return
	}
	writeJSON(w, http.StatusOK, public("_User", u))
}

func (s *Server) objects(w http.ResponseWriter, r *http.Request, class string, rest []string, body map[string]any) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.find(w, r, class)
		case http.MethodPost:
			s.create(w, class, body)
		default:
			writeErr(w, http.StatusMethodNotAllowed, 0, "method not allowed")
		}
		return
	}

	id := rest[0]
	obj, ok := s.classes[class][id]
	if !ok {
		writeErr(w, http.StatusNotFound, parse.CodeObjectNotFound, "Object not found.")
		return
	}
	switch r.Method {
	case http.MethodGet:
		out := public(class, obj)
		s.include(out, r.URL.Query().Get("include"))
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		if class == "_User" {
			if pw, ok := body["password"].(string); ok {
				s.passwords[id] = pw
				delete(body, "password")
			}
			if email, ok := body["email"].(string); ok && s.emailTaken(email, id) {
				writeErr(w, http.StatusBadRequest, parse.CodeEmailTaken, "Account already exists for this email address.")
				return
			}
		}
		applyUpdate(obj, normalize(body))
		obj["updatedAt"] = now()
		writeJSON(w, http.StatusOK, map[string]any{"updatedAt": obj["updatedAt"]})
	case http.MethodDelete:
		delete(s.classes[class], id)
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func (s *Server) create(w http.ResponseWriter, class string, body map[string]any) {
	body = normalize(body)
	if class == "_User" {
		username, _ := body["username"].(string)
		if username == "" {
			writeErr(w, http.StatusBadRequest, 200, "bad or missing username")
			return
		}
		for _, u := range s.classes["_User"] {
			if u["username"] == username {
				writeErr(w, http.StatusBadRequest, parse.CodeUsernameTaken, "Account already exists for this username.")
				return
			}
		}
		if email, ok := body["email"].(string); ok && s.emailTaken(email, "") {
			writeErr(w, http.StatusBadRequest, parse.CodeEmailTaken, "Account already exists for this email address.")
			return
		}
		password, _ := body["password"].(string)
		delete(body, "password")
		id := s.insert(class, body)
		s.passwords[id] = password
		writeJSON(w, http.StatusCreated, map[string]any{"objectId": id, "createdAt": s.classes[class][id]["createdAt"]})
		return
	}
	id := s.insert(class, body)
	writeJSON(w, http.StatusCreated, map[string]any{"objectId": id, "createdAt": s.classes[class][id]["createdAt"]})
}

func (s *Server) emailTaken(email, exceptID string) bool {
	for id, u := range s.classes["_User"] {
		if id != exceptID && strings.EqualFold(fmt.Sprint(u["email"]), email) {
			return true
		}
	}
	return false
}

func (s *Server) insert(class string, obj map[string]any) string {
	if s.classes[class] == nil {
		s.classes[class] = map[string]map[string]any{}
	}
	s.seq++
	id := fmt.Sprintf("obj%07d", s.seq)
	stored := map[string]any{}
	for k, v := range obj {
		if op, ok := v.(map[string]any); ok && op["__op"] != nil {
			continue
		}
		stored[k] = v
	}
	stored["objectId"] = id
	ts := now()
	if _, ok := stored["createdAt"]; !ok {
		stored["createdAt"] = ts
	}
	stored["updatedAt"] = ts
	s.classes[class][id] = stored
	return id
}

func (s *Server) find(w http.ResponseWriter, r *http.Request, class string) {
	q := r.URL.Query()
	var where map[string]any
	if raw := q.Get("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &where); err != nil {
			writeErr(w, http.StatusBadRequest, 102, "bad where")
			return
		}
	}

	var rows []map[string]any
	for _, obj := range s.classes[class] {
		if matches(obj, where) {
			rows = append(rows, obj)
		}
	}
	sortRows(rows, q.Get("order"))

	total := len(rows)
	skip, _ := strconv.Atoi(q.Get("skip"))
	if skip > len(rows) {
		skip = len(rows)
	}
	rows = rows[skip:]
	limit := 100
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	if limit < len(rows) {
		rows = rows[:limit]
	}

	results := make([]map[string]any, 0, len(rows))
	for _, obj := range rows {
		out := public(class, obj)
		s.include(out, q.Get("include"))
		results = append(results, out)
	}
	resp := map[string]any{"results": results}
	if q.Get("count") == "1" {
		resp["count"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) include(obj map[string]any, include string) {
	if include == "" {
		return
	}
	for _, field := range strings.Split(include, ",") {
		ptr, ok := obj[field].(map[string]any)
		if !ok {
			continue
		}
		class, _ := ptr["className"].(string)
		id, _ := ptr["objectId"].(string)
		if target, ok := s.classes[class][id]; ok {
			full := public(class, target)
			full["__type"] = "Object"
			full["className"] = class
			obj[field] = full
		}
	}
}

func (s *Server) schema(w http.ResponseWriter, r *http.Request, class string, body map[string]any) {
	switch r.Method {
	case http.MethodGet:
		sc, ok := s.schemas[class]
		if !ok {
			writeErr(w, http.StatusBadRequest, parse.CodeInvalidClass, "Class "+class+" does not exist.")
			return
		}
		writeJSON(w, http.StatusOK, sc)
	case http.MethodPost:
		b, _ := json.Marshal(body)
		var sc parse.Schema
		_ = json.Unmarshal(b, &sc)
		sc.ClassName = class
		s.schemas[class] = sc
		writeJSON(w, http.StatusOK, sc)
	}
}

func (s *Server) function(w http.ResponseWriter, name string, body map[string]any) {
	h, ok := s.functions[name]
	if !ok {
		writeErr(w, http.StatusBadRequest, 141, "Invalid function: \""+name+"\"")
		return
	}
	res, err := h(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, 141, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// public hides what Parse never returns: the password of a _User. Other classes
// are returned as stored, including fields named password.
func public(class string, obj map[string]any) map[string]any {
	out := copyObj(obj)
	if class == "_User" {
		delete(out, "password")
	}
	return out
}

func copyObj(obj map[string]any) map[string]any {
	b, _ := json.Marshal(obj)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// normalize round-trips through JSON so stored values look like decoded request bodies.
func normalize(obj map[string]any) map[string]any {
	if obj == nil {
		return map[string]any{}
	}
	return copyObj(obj)
}

func applyUpdate(obj, changes map[string]any) {
	for k, v := range changes {
		op, ok := v.(map[string]any)
		if !ok || op["__op"] == nil {
			obj[k] = v
			continue
		}
		switch op["__op"] {
		case "Delete":
			delete(obj, k)
		case "Increment":
			cur, _ := obj[k].(float64)
			amount, _ := op["amount"].(float64)
			obj[k] = cur + amount
		case "Add", "AddUnique":
			cur, _ := obj[k].([]any)
			items, _ := op["objects"].([]any)
			for _, it := range items {
				if op["__op"] == "AddUnique" && containsValue(cur, it) {
					continue
				}
				cur = append(cur, it)
			}
			obj[k] = cur
		case "Remove":
			cur, _ := obj[k].([]any)
			items, _ := op["objects"].([]any)
			var kept []any
			for _, it := range cur {
				if !containsValue(items, it) {
					kept = append(kept, it)
				}
			}
			if kept == nil {
				kept = []any{}
			}
			obj[k] = kept
		}
	}
}

func containsValue(list []any, v any) bool {
	for _, it := range list {
		if equalValues(it, v) {
			return true
		}
	}
	return false
}

func matches(obj, where map[string]any) bool {
	for key, cond := range where {
		if key == "$or" {
			clauses, _ := cond.([]any)
			ok := false
			for _, c := range clauses {
				if m, isMap := c.(map[string]any); isMap && matches(obj, m) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
			continue
		}

		val, exists := lookup(obj, key)
		ops, isOps := cond.(map[string]any)
		if !isOps || ops["__type"] != nil {
			if !equalOrContains(val, cond) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			if !applyOp(op, arg, val, exists, ops) {
				return false
			}
		}
	}
	return true
}

// lookup resolves dotted keys into embedded objects.
func lookup(obj map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func applyOp(op string, arg, val any, exists bool, ops map[string]any) bool {
	switch op {
	case "$eq":
		return exists && equalOrContains(val, arg)
	case "$ne":
		return !equalOrContains(val, arg)
	case "$not":
		inner, _ := arg.(map[string]any)
		for iop, iarg := range inner {
			if applyOp(iop, iarg, val, exists, inner) {
				return false
			}
		}
		return true
	case "$in":
		list, _ := arg.([]any)
		for _, it := range list {
			if equalOrContains(val, it) {
				return true
			}
		}
		return false
	case "$nin":
		list, _ := arg.([]any)
		for _, it := range list {
			if equalOrContains(val, it) {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := arg.(bool)
		present := exists && val != nil
		return present == want
	case "$lt", "$lte", "$gt", "$gte":
		if !exists {
			return false
		}
		c, ok := compare(val, arg)
		if !ok {
			return false
		}
		switch op {
		case "$lt":
			return c < 0
		case "$lte":
			return c <= 0
		case "$gt":
			return c > 0
		default:
			return c >= 0
		}
	case "$regex":
		pattern, _ := arg.(string)
		if opts, _ := ops["$options"].(string); strings.Contains(opts, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		s, ok := val.(string)
		return ok && re.MatchString(s)
	case "$options":
		return true
	}
	return false
}

func equalOrContains(val, want any) bool {
	if list, ok := val.([]any); ok {
		if _, wantList := want.([]any); !wantList {
			return containsValue(list, want)
		}
	}
	return equalValues(val, want)
}

func equalValues(a, b any) bool {
	na, nb := key(a), key(b)
	return fmt.Sprint(na) == fmt.Sprint(nb) && fmt.Sprintf("%T", na) == fmt.Sprintf("%T", nb)
}

func key(v any) any {
	if m, ok := v.(map[string]any); ok {
		switch m["__type"] {
		case "Pointer", "Object":
			return "ptr:" + fmt.Sprint(m["objectId"])
		case "Date":
			return "date:" + fmt.Sprint(m["iso"])
		}
	}
	return v
}

func compare(a, b any) (int, bool) {
	ka, kb := key(a), key(b)
	if fa, ok := ka.(float64); ok {
		fb, ok := kb.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok1 := ka.(string)
	sb, ok2 := kb.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func sortRows(rows []map[string]any, order string) {
	fields := strings.Split(order, ",")
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			desc := strings.HasPrefix(f, "-")
			f = strings.TrimPrefix(f, "-")
			c, ok := compare(rows[i][f], rows[j][f])
			if !ok || c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return fmt.Sprint(rows[i]["objectId"]) < fmt.Sprint(rows[j]["objectId"])
	})
}

func now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "error": msg})
}
