package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/actorx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

type fakeParkings struct {
	release        func(driverID uuid.UUID, building *string, gate *int) (models.Parking, *models.QueueEntry, error)
	releaseSpot    func(spot int, building *string, gate *int) (models.Parking, *models.QueueEntry, error)
	activeByDriver func(driverID uuid.UUID) (models.Parking, error)
	activeBySpot   func(spot int) (models.Parking, error)
	active         func() ([]models.Parking, error)
	offered        func() ([]int, error)
	capacity       int
}

func (f *fakeParkings) Release(_ context.Context, _ *repos.OutboxRepo, driverID uuid.UUID, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
	if f.release == nil {
		return models.Parking{}, nil, errors.New("unexpected Release")
	}
	return f.release(driverID, building, gate)
}

func (f *fakeParkings) ReleaseSpot(_ context.Context, _ *repos.OutboxRepo, spot int, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
	if f.releaseSpot == nil {
		return models.Parking{}, nil, errors.New("unexpected ReleaseSpot")
	}
	return f.releaseSpot(spot, building, gate)
}

func (f *fakeParkings) ActiveByDriver(_ context.Context, driverID uuid.UUID) (models.Parking, error) {
	if f.activeByDriver == nil {
		return models.Parking{}, repos.ErrNotOccupied
	}
	return f.activeByDriver(driverID)
}

func (f *fakeParkings) ActiveBySpot(_ context.Context, spot int) (models.Parking, error) {
	if f.activeBySpot == nil {
		return models.Parking{}, repos.ErrNotOccupied
	}
	return f.activeBySpot(spot)
}

func (f *fakeParkings) ActiveOccupancies(context.Context) ([]models.Parking, error) {
	if f.active == nil {
		return nil, nil
	}
	return f.active()
}

func (f *fakeParkings) OfferedSpots(context.Context) ([]int, error) {
	if f.offered == nil {
		return nil, nil
	}
	return f.offered()
}

func (f *fakeParkings) Capacity() int {
	if f.capacity == 0 {
		return 5
	}
	return f.capacity
}

type fakeQueue struct {
	arrive      func(driverID uuid.UUID, vehicleClass string) (repos.ArrivalResult, error)
	confirm     func(driverID uuid.UUID) (models.Parking, models.QueueEntry, error)
	leave       func(driverID uuid.UUID) (models.QueueEntry, error)
	cancelEntry func(entryID uuid.UUID) (models.QueueEntry, *models.QueueEntry, error)
	entryFor    func(driverID uuid.UUID) (models.QueueEntry, int, error)
	listActive  func() ([]models.QueueEntry, error)
	depth       func() (int, error)
	depthCalls  int
}

func (f *fakeQueue) Arrive(_ context.Context, _ *repos.OutboxRepo, driverID uuid.UUID, vehicleClass string) (repos.ArrivalResult, error) {
	if f.arrive == nil {
		return repos.ArrivalResult{}, errors.New("unexpected Arrive")
	}
	return f.arrive(driverID, vehicleClass)
}

func (f *fakeQueue) ConfirmArrival(_ context.Context, _ *repos.OutboxRepo, driverID uuid.UUID) (models.Parking, models.QueueEntry, error) {
	if f.confirm == nil {
		return models.Parking{}, models.QueueEntry{}, errors.New("unexpected ConfirmArrival")
	}
	return f.confirm(driverID)
}

func (f *fakeQueue) Leave(_ context.Context, _ *repos.OutboxRepo, driverID uuid.UUID) (models.QueueEntry, error) {
	if f.leave == nil {
		return models.QueueEntry{}, errors.New("unexpected Leave")
	}
	return f.leave(driverID)
}

func (f *fakeQueue) CancelEntry(_ context.Context, _ *repos.OutboxRepo, entryID uuid.UUID) (models.QueueEntry, *models.QueueEntry, error) {
	if f.cancelEntry == nil {
		return models.QueueEntry{}, nil, errors.New("unexpected CancelEntry")
	}
	return f.cancelEntry(entryID)
}

func (f *fakeQueue) EntryForDriver(_ context.Context, driverID uuid.UUID) (models.QueueEntry, int, error) {
	if f.entryFor == nil {
		return models.QueueEntry{}, 0, repos.ErrNotInQueue
	}
	return f.entryFor(driverID)
}

func (f *fakeQueue) ListActive(context.Context) ([]models.QueueEntry, error) {
	if f.listActive == nil {
		return nil, nil
	}
	return f.listActive()
}

func (f *fakeQueue) Depth(context.Context) (int, error) {
	f.depthCalls++
	if f.depth == nil {
		return 0, nil
	}
	return f.depth()
}

type fakeTasks struct {
	create     func(params repos.CreateTaskParams) (models.Task, error)
	claim      func(driverID uuid.UUID) (models.Task, error)
	complete   func(taskID uuid.UUID, actorID uuid.UUID) (models.Task, *models.QueueEntry, error)
	block      func(taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error)
	restart    func(taskID uuid.UUID) (models.Task, error)
	restartAll func() (int, error)
	reassign   func(taskID uuid.UUID, building string, gate int) (models.Task, error)
	cancel     func(taskID uuid.UUID) (models.Task, error)
	getByID    func(taskID uuid.UUID) (models.Task, error)
	myTask     func(driverID uuid.UUID) (models.Task, error)
	list       func(status string, limit int, offset int) ([]models.Task, error)
	counts     func() (map[string]int, error)
	events     func(taskID uuid.UUID) ([]models.TaskEvent, error)
	countCalls int
}

func (f *fakeTasks) CreateTask(_ context.Context, _ *repos.OutboxRepo, params repos.CreateTaskParams) (models.Task, error) {
	if f.create == nil {
		return models.Task{}, errors.New("unexpected CreateTask")
	}
	return f.create(params)
}

func (f *fakeTasks) Claim(_ context.Context, _ *repos.OutboxRepo, driverID uuid.UUID, _ []uuid.UUID) (models.Task, error) {
	if f.claim == nil {
		return models.Task{}, errors.New("unexpected Claim")
	}
	return f.claim(driverID)
}

func (f *fakeTasks) Complete(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, actorID uuid.UUID) (models.Task, *models.QueueEntry, error) {
	if f.complete == nil {
		return models.Task{}, nil, errors.New("unexpected Complete")
	}
	return f.complete(taskID, actorID)
}

func (f *fakeTasks) Block(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error) {
	if f.block == nil {
		return models.Task{}, errors.New("unexpected Block")
	}
	return f.block(taskID, reason, actorID, forced)
}

func (f *fakeTasks) Restart(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, _ uuid.UUID, _ []uuid.UUID) (models.Task, error) {
	if f.restart == nil {
		return models.Task{}, errors.New("unexpected Restart")
	}
	return f.restart(taskID)
}

func (f *fakeTasks) RestartAllStuck(_ context.Context, _ *repos.OutboxRepo, _ uuid.UUID, _ []uuid.UUID) (int, error) {
	if f.restartAll == nil {
		return 0, errors.New("unexpected RestartAllStuck")
	}
	return f.restartAll()
}

func (f *fakeTasks) ReassignGate(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, building string, gate int, _ uuid.UUID, _ []uuid.UUID) (models.Task, error) {
	if f.reassign == nil {
		return models.Task{}, errors.New("unexpected ReassignGate")
	}
	return f.reassign(taskID, building, gate)
}

func (f *fakeTasks) Cancel(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, _ uuid.UUID) (models.Task, error) {
	if f.cancel == nil {
		return models.Task{}, errors.New("unexpected Cancel")
	}
	return f.cancel(taskID)
}

func (f *fakeTasks) GetByID(_ context.Context, taskID uuid.UUID) (models.Task, error) {
	if f.getByID == nil {
		return models.Task{}, repos.ErrTaskNotFound
	}
	return f.getByID(taskID)
}

func (f *fakeTasks) MyTask(_ context.Context, driverID uuid.UUID) (models.Task, error) {
	if f.myTask == nil {
		return models.Task{}, repos.ErrTaskNotFound
	}
	return f.myTask(driverID)
}

func (f *fakeTasks) ListByStatus(_ context.Context, status string, limit int, offset int) ([]models.Task, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(status, limit, offset)
}

func (f *fakeTasks) CountByStatus(context.Context) (map[string]int, error) {
	f.countCalls++
	if f.counts == nil {
		return map[string]int{}, nil
	}
	return f.counts()
}

func (f *fakeTasks) ListTaskEvents(_ context.Context, taskID uuid.UUID) ([]models.TaskEvent, error) {
	if f.events == nil {
		return nil, nil
	}
	return f.events(taskID)
}

type fakeUsers struct {
	getByID     func(userID uuid.UUID) (models.User, error)
	updatePhone func(userID uuid.UUID, phone string) (models.User, error)
	startShift  func(userID uuid.UUID, recipients []uuid.UUID) (models.User, bool, error)
	endShift    func(userID uuid.UUID, recipients []uuid.UUID) (models.User, bool, error)
	startBreak  func(userID uuid.UUID) (models.User, bool, error)
	endBreak    func(userID uuid.UUID) (models.User, bool, error)
	transfer    func() ([]models.User, error)
	operators   func() ([]models.User, error)
	report      func() ([]models.User, error)
	list        func(limit int, offset int) ([]models.User, error)
}

func (f *fakeUsers) GetByID(_ context.Context, userID uuid.UUID) (models.User, error) {
	if f.getByID == nil {
		return models.User{}, repos.ErrUserNotFound
	}
	return f.getByID(userID)
}

func (f *fakeUsers) UpdatePhone(_ context.Context, userID uuid.UUID, phone string) (models.User, error) {
	if f.updatePhone == nil {
		return models.User{}, errors.New("unexpected UpdatePhone")
	}
	return f.updatePhone(userID, phone)
}

func (f *fakeUsers) StartShift(_ context.Context, _ *repos.OutboxRepo, userID uuid.UUID, recipients []uuid.UUID) (models.User, bool, error) {
	if f.startShift == nil {
		return models.User{}, false, errors.New("unexpected StartShift")
	}
	return f.startShift(userID, recipients)
}

func (f *fakeUsers) EndShift(_ context.Context, _ *repos.OutboxRepo, userID uuid.UUID, recipients []uuid.UUID) (models.User, bool, error) {
	if f.endShift == nil {
		return models.User{}, false, errors.New("unexpected EndShift")
	}
	return f.endShift(userID, recipients)
}

func (f *fakeUsers) StartBreak(_ context.Context, userID uuid.UUID) (models.User, bool, error) {
	if f.startBreak == nil {
		return models.User{}, false, errors.New("unexpected StartBreak")
	}
	return f.startBreak(userID)
}

func (f *fakeUsers) EndBreak(_ context.Context, userID uuid.UUID) (models.User, bool, error) {
	if f.endBreak == nil {
		return models.User{}, false, errors.New("unexpected EndBreak")
	}
	return f.endBreak(userID)
}

func (f *fakeUsers) TransferDriverSnapshot(context.Context) ([]models.User, error) {
	if f.transfer == nil {
		return nil, nil
	}
	return f.transfer()
}

func (f *fakeUsers) OperatorSnapshot(context.Context) ([]models.User, error) {
	if f.operators == nil {
		return nil, nil
	}
	return f.operators()
}

func (f *fakeUsers) ShiftReport(context.Context) ([]models.User, error) {
	if f.report == nil {
		return nil, nil
	}
	return f.report()
}

func (f *fakeUsers) ListUsers(_ context.Context, limit int, offset int) ([]models.User, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(limit, offset)
}

type fakeRoles struct {
	create func(userID uuid.UUID, role string) (models.RoleRequest, error)
	list   func() ([]models.RoleRequest, error)
	decide func(requestID uuid.UUID, approve bool, deciderID uuid.UUID) (models.RoleRequest, error)
}

func (f *fakeRoles) Create(_ context.Context, userID uuid.UUID, role string) (models.RoleRequest, error) {
	if f.create == nil {
		return models.RoleRequest{}, errors.New("unexpected Create")
	}
	return f.create(userID, role)
}

func (f *fakeRoles) ListPending(context.Context) ([]models.RoleRequest, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list()
}

func (f *fakeRoles) Decide(_ context.Context, _ *repos.OutboxRepo, requestID uuid.UUID, approve bool, deciderID uuid.UUID) (models.RoleRequest, error) {
	if f.decide == nil {
		return models.RoleRequest{}, errors.New("unexpected Decide")
	}
	return f.decide(requestID, approve, deciderID)
}

type fakeActorCache struct {
	forgotten []string
}

func (f *fakeActorCache) Forget(subject string) {
	f.forgotten = append(f.forgotten, subject)
}

type testEnv struct {
	handler  *Handler
	mux      *http.ServeMux
	parkings *fakeParkings
	queue    *fakeQueue
	tasks    *fakeTasks
	users    *fakeUsers
	roles    *fakeRoles
	actors   *fakeActorCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		parkings: &fakeParkings{},
		queue:    &fakeQueue{},
		tasks:    &fakeTasks{},
		users:    &fakeUsers{},
		roles:    &fakeRoles{},
		actors:   &fakeActorCache{},
	}
	env.handler = &Handler{
		Parkings: env.parkings,
		Queue:    env.queue,
		Tasks:    env.tasks,
		Users:    env.users,
		Roles:    env.roles,
		Logger:   logx.New("handlers-test", "test", "", "error"),
		Actors:   env.actors,
	}
	env.mux = http.NewServeMux()
	env.handler.Routes(env.mux)
	return env
}

func (env *testEnv) do(method string, target string, body string, actor *actorx.ActorContext) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req = req.WithContext(actorx.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func transferActor(onShift bool) *actorx.ActorContext {
	return &actorx.ActorContext{ID: uuid.New(), Subject: "sub-transfer", Role: models.RoleDriverTransfer, OnShift: onShift}
}

func driverActor() *actorx.ActorContext {
	return &actorx.ActorContext{ID: uuid.New(), Subject: "sub-driver", Role: models.RoleDriver, OnShift: true}
}

func operatorActor() *actorx.ActorContext {
	return &actorx.ActorContext{ID: uuid.New(), Subject: "sub-operator", Role: models.RoleOperator, OnShift: true}
}

func adminActor() *actorx.ActorContext {
	return &actorx.ActorContext{ID: uuid.New(), Subject: "sub-admin", Role: models.RoleAdmin}
}

func debEmployeeActor() *actorx.ActorContext {
	return &actorx.ActorContext{ID: uuid.New(), Subject: "sub-deb", Role: models.RoleDebEmployee}
}

func TestMissingActorIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/board", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNAUTHENTICATED", errObj["code"])
}

func TestArriveParksWhenSpotFree(t *testing.T) {
	env := newTestEnv(t)
	actor := driverActor()
	env.queue.arrive = func(driverID uuid.UUID, vehicleClass string) (repos.ArrivalResult, error) {
		require.Equal(t, actor.ID, driverID)
		require.Equal(t, models.VehicleClassHitch, vehicleClass)
		parking := models.Parking{ParkingID: uuid.New(), SpotNumber: 3, DriverID: driverID, VehicleClass: vehicleClass, ArrivedAt: time.Now().UTC()}
		return repos.ArrivalResult{Parking: &parking}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/arrivals", `{"vehicle_class":"hitch"}`, actor)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "parked", body["status"])
	parking := body["parking"].(map[string]any)
	assert.Equal(t, float64(3), parking["spot_number"])
}

func TestArriveQueuesWhenLotFull(t *testing.T) {
	env := newTestEnv(t)
	actor := driverActor()
	env.queue.arrive = func(driverID uuid.UUID, _ string) (repos.ArrivalResult, error) {
		entry := models.QueueEntry{EntryID: uuid.New(), DriverID: driverID, VehicleClass: models.VehicleClassNonHitch, Status: workflow.QueueStatusWaiting, CreatedAt: time.Now().UTC()}
		return repos.ArrivalResult{Entry: &entry, Position: 4}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/arrivals", `{"vehicle_class":"non_hitch"}`, actor)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	entry := body["entry"].(map[string]any)
	assert.Equal(t, float64(4), entry["position"])
}

func TestArriveConflictAlreadyParked(t *testing.T) {
	env := newTestEnv(t)
	env.queue.arrive = func(uuid.UUID, string) (repos.ArrivalResult, error) {
		return repos.ArrivalResult{}, repos.ErrAlreadyParked
	}

	rec := env.do(http.MethodPost, "/api/v1/arrivals", `{"vehicle_class":"hitch"}`, driverActor())
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "CONFLICT", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "already_parked", details["reason"])
}

func TestArriveRejectsUnknownVehicleClass(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/arrivals", `{"vehicle_class":"tank"}`, driverActor())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArriveForbiddenForOperator(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/arrivals", `{"vehicle_class":"hitch"}`, operatorActor())
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfirmArrivalNoSpotIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.queue.confirm = func(uuid.UUID) (models.Parking, models.QueueEntry, error) {
		return models.Parking{}, models.QueueEntry{}, repos.ErrNoSpotAvailable
	}

	rec := env.do(http.MethodPost, "/api/v1/arrivals/confirm", "", driverActor())
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "no_spot_available", details["reason"])
}

func TestDepartValidatesGatePair(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/departures", `{"building":"ABK1","gate_number":60}`, driverActor())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "invalid_gate_number", details["reason"])
	assert.Equal(t, "1-59, 66-83", details["allowed_gates"])
}

func TestDepartReportsPromotedEntry(t *testing.T) {
	env := newTestEnv(t)
	actor := driverActor()
	promoted := models.QueueEntry{EntryID: uuid.New(), DriverID: uuid.New(), Status: workflow.QueueStatusNotified}
	env.parkings.release = func(driverID uuid.UUID, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
		require.Equal(t, actor.ID, driverID)
		require.Nil(t, building)
		require.Nil(t, gate)
		now := time.Now().UTC()
		return models.Parking{ParkingID: uuid.New(), SpotNumber: 1, DriverID: driverID, DepartedAt: &now}, &promoted, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/departures", "", actor)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "promoted")
}

func TestReleaseSpotRequiresOperator(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/spots/3/release", "", driverActor())
	require.Equal(t, http.StatusForbidden, rec.Code)

	env.parkings.releaseSpot = func(spot int, _ *string, _ *int) (models.Parking, *models.QueueEntry, error) {
		require.Equal(t, 3, spot)
		now := time.Now().UTC()
		return models.Parking{ParkingID: uuid.New(), SpotNumber: spot, DriverID: uuid.New(), DepartedAt: &now}, nil, nil
	}
	rec = env.do(http.MethodPost, "/api/v1/spots/3/release", "", operatorActor())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMyParkingNotOccupied(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/parkings/my", "", driverActor())
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "not_occupied", details["reason"])
}

func TestMyParkingReturnsOccupancy(t *testing.T) {
	env := newTestEnv(t)
	actor := driverActor()
	env.parkings.activeByDriver = func(driverID uuid.UUID) (models.Parking, error) {
		require.Equal(t, actor.ID, driverID)
		return models.Parking{ParkingID: uuid.New(), SpotNumber: 8, DriverID: driverID, VehicleClass: models.VehicleClassNonHitch, ArrivedAt: time.Now().UTC()}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/parkings/my", "", actor)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	parking := body["parking"].(map[string]any)
	assert.Equal(t, float64(8), parking["spot_number"])
}

func TestGetSpotLookup(t *testing.T) {
	env := newTestEnv(t)
	env.parkings.activeBySpot = func(spot int) (models.Parking, error) {
		require.Equal(t, 12, spot)
		return models.Parking{ParkingID: uuid.New(), SpotNumber: spot, DriverID: uuid.New(), VehicleClass: models.VehicleClassHitch, ArrivedAt: time.Now().UTC()}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/spots/12", "", debEmployeeActor())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	parking := body["parking"].(map[string]any)
	assert.Equal(t, float64(12), parking["spot_number"])

	rec = env.do(http.MethodGet, "/api/v1/spots/12", "", driverActor())
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClaimRequiresTransferRole(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/tasks/claim", "", driverActor())
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClaimRequiresOnShift(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/tasks/claim", "", transferActor(false))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "not_on_shift", details["reason"])
}

func TestClaimReturnsTask(t *testing.T) {
	env := newTestEnv(t)
	actor := transferActor(true)
	env.tasks.claim = func(driverID uuid.UUID) (models.Task, error) {
		require.Equal(t, actor.ID, driverID)
		return models.Task{TaskID: uuid.New(), ParkingID: uuid.New(), Status: workflow.TaskStatusInProgress, Priority: 10, Building: "ABK1", GateNumber: 7}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/tasks/claim", "", actor)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	task := body["task"].(map[string]any)
	assert.Equal(t, workflow.TaskStatusInProgress, task["status"])
}

func TestClaimEmptyPoolIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.claim = func(uuid.UUID) (models.Task, error) {
		return models.Task{}, repos.ErrNoTaskAvailable
	}
	rec := env.do(http.MethodPost, "/api/v1/tasks/claim", "", transferActor(true))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskInvalidGate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/tasks", `{"spot_number":2,"building":"ABK2","gate_number":11}`, operatorActor())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "invalid_gate_number", details["reason"])
	assert.Equal(t, "1-10", details["allowed_gates"])
}

func TestCreateTaskNormalizesBuilding(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.create = func(params repos.CreateTaskParams) (models.Task, error) {
		require.Equal(t, "ABK1", params.Building)
		require.Equal(t, 70, params.GateNumber)
		return models.Task{TaskID: uuid.New(), ParkingID: uuid.New(), Building: params.Building, GateNumber: params.GateNumber, Status: workflow.TaskStatusPending}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/tasks", `{"spot_number":2,"building":" abk1 ","gate_number":70}`, operatorActor())
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestBlockRejectsUnknownReason(t *testing.T) {
	env := newTestEnv(t)
	taskID := uuid.New()
	rec := env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/block", `{"reason":"long_wait"}`, operatorActor())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "invalid_block_reason", details["reason"])
}

func TestBlockByAssignedDriver(t *testing.T) {
	env := newTestEnv(t)
	actor := transferActor(true)
	taskID := uuid.New()
	assignee := actor.ID
	env.tasks.getByID = func(id uuid.UUID) (models.Task, error) {
		require.Equal(t, taskID, id)
		return models.Task{TaskID: taskID, Status: workflow.TaskStatusInProgress, AssignedDriverID: &assignee}, nil
	}
	env.tasks.block = func(id uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error) {
		require.Equal(t, "gate_occupied", reason)
		require.NotNil(t, actorID)
		require.Equal(t, actor.ID, *actorID)
		require.False(t, forced)
		return models.Task{TaskID: id, Status: workflow.TaskStatusStuck, Priority: 15}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/block", `{"reason":"gate_occupied"}`, actor)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCompleteForbiddenForOtherDriver(t *testing.T) {
	env := newTestEnv(t)
	taskID := uuid.New()
	other := uuid.New()
	env.tasks.getByID = func(uuid.UUID) (models.Task, error) {
		return models.Task{TaskID: taskID, Status: workflow.TaskStatusInProgress, AssignedDriverID: &other}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/complete", "", transferActor(true))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCompleteDoubleIsConflict(t *testing.T) {
	env := newTestEnv(t)
	taskID := uuid.New()
	env.tasks.complete = func(uuid.UUID, uuid.UUID) (models.Task, *models.QueueEntry, error) {
		return models.Task{}, nil, repos.ErrInvalidStatus
	}

	rec := env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/complete", "", operatorActor())
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "invalid_status", details["reason"])
}

func TestRestartRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	taskID := uuid.New()
	rec := env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/restart", "", operatorActor())
	require.Equal(t, http.StatusForbidden, rec.Code)

	env.tasks.restart = func(id uuid.UUID) (models.Task, error) {
		return models.Task{TaskID: id, Status: workflow.TaskStatusPending, Priority: 3}, nil
	}
	rec = env.do(http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/restart", "", adminActor())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRestartAllStuckCountsRestarts(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.restartAll = func() (int, error) { return 3, nil }
	rec := env.do(http.MethodPost, "/api/v1/tasks/restart-stuck", "", adminActor())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["restarted"])
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/tasks?status=wedged", "", operatorActor())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBoardUsesCache(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Board = cache.New(time.Minute, time.Minute)
	env.handler.BoardTTL = time.Minute
	env.parkings.capacity = 3
	env.parkings.active = func() ([]models.Parking, error) {
		return []models.Parking{{ParkingID: uuid.New(), SpotNumber: 2, DriverID: uuid.New(), VehicleClass: models.VehicleClassHitch, ArrivedAt: time.Now().UTC()}}, nil
	}
	env.parkings.offered = func() ([]int, error) { return []int{1}, nil }
	env.queue.depth = func() (int, error) { return 5, nil }

	rec := env.do(http.MethodGet, "/api/v1/board", "", driverActor())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["capacity"])
	assert.Equal(t, float64(1), body["occupied"])
	assert.Equal(t, float64(5), body["queue_depth"])
	spots := body["spots"].([]any)
	require.Len(t, spots, 3)
	assert.Equal(t, "offered", spots[0].(map[string]any)["status"])
	assert.Equal(t, "occupied", spots[1].(map[string]any)["status"])
	assert.Equal(t, "free", spots[2].(map[string]any)["status"])

	rec = env.do(http.MethodGet, "/api/v1/board", "", driverActor())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.queue.depthCalls)
	assert.Equal(t, 1, env.tasks.countCalls)
}

func TestStartShiftInvalidatesActorCache(t *testing.T) {
	env := newTestEnv(t)
	actor := transferActor(false)
	env.users.startShift = func(userID uuid.UUID, _ []uuid.UUID) (models.User, bool, error) {
		return models.User{UserID: userID, Role: models.RoleDriverTransfer, OnShift: true}, true, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/shifts/start", "", actor)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["changed"])
	require.Contains(t, env.actors.forgotten, actor.Subject)
}

func TestStartBreakOffShiftIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.users.startBreak = func(uuid.UUID) (models.User, bool, error) {
		return models.User{}, false, repos.ErrNotOnShift
	}
	rec := env.do(http.MethodPost, "/api/v1/breaks/start", "", driverActor())
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRoleRequestFlow(t *testing.T) {
	env := newTestEnv(t)
	requester := driverActor()
	requestID := uuid.New()
	env.roles.create = func(userID uuid.UUID, role string) (models.RoleRequest, error) {
		require.Equal(t, requester.ID, userID)
		require.Equal(t, models.RoleDriverTransfer, role)
		return models.RoleRequest{RequestID: requestID, UserID: userID, RequestedRole: role, Status: models.RoleRequestPending}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/roles/requests", `{"requested_role":"driver_transfer"}`, requester)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/roles/requests", "", requester)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin := adminActor()
	env.roles.decide = func(id uuid.UUID, approve bool, deciderID uuid.UUID) (models.RoleRequest, error) {
		require.Equal(t, requestID, id)
		require.True(t, approve)
		require.Equal(t, admin.ID, deciderID)
		return models.RoleRequest{RequestID: id, UserID: requester.ID, RequestedRole: models.RoleDriverTransfer, Status: models.RoleRequestApproved}, nil
	}
	env.users.getByID = func(userID uuid.UUID) (models.User, error) {
		return models.User{UserID: userID, Subject: requester.Subject, Role: models.RoleDriverTransfer}, nil
	}

	rec = env.do(http.MethodPost, "/api/v1/roles/requests/"+requestID.String()+"/decision", `{"decision":"approve"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, env.actors.forgotten, requester.Subject)
}

func TestRoleRequestDuplicateIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.roles.create = func(uuid.UUID, string) (models.RoleRequest, error) {
		return models.RoleRequest{}, repos.ErrRoleRequestPending
	}
	rec := env.do(http.MethodPost, "/api/v1/roles/requests", `{"requested_role":"operator"}`, driverActor())
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueMyNotInQueue(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/queue/my", "", driverActor())
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "not_in_queue", details["reason"])
}

func TestQueueListPositionsAreSequential(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.queue.listActive = func() ([]models.QueueEntry, error) {
		spot := 4
		return []models.QueueEntry{
			{EntryID: uuid.New(), DriverID: uuid.New(), Status: workflow.QueueStatusNotified, OfferedSpot: &spot, CreatedAt: now.Add(-2 * time.Minute)},
			{EntryID: uuid.New(), DriverID: uuid.New(), Status: workflow.QueueStatusWaiting, CreatedAt: now.Add(-time.Minute)},
			{EntryID: uuid.New(), DriverID: uuid.New(), Status: workflow.QueueStatusWaiting, CreatedAt: now},
		}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/queue", "", operatorActor())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	for i, raw := range entries {
		entry := raw.(map[string]any)
		assert.Equal(t, float64(i+1), entry["position"])
	}
	assert.Equal(t, float64(3), body["depth"])
}
