package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository/memory"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/sagalog"
)

type published struct {
	topic string
	key   string
	event any
}

// recordingPublisher queues events so tests decide when they are delivered.
type recordingPublisher struct {
	mu     sync.Mutex
	queue  []published
	all    []published
	failOn string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failOn {
		return errors.New("broker unavailable")
	}
	msg := published{topic: topic, key: key, event: event}
	p.queue = append(p.queue, msg)
	p.all = append(p.all, msg)
	return nil
}

func (p *recordingPublisher) drain() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.all))
	for _, m := range p.all {
		topics = append(topics, m.topic)
	}
	return topics
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []sagalog.Entry
}

func (j *memoryJournal) Save(_ context.Context, entry *sagalog.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *memoryJournal) List(_ context.Context, orderID string) ([]sagalog.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []sagalog.Entry
	for _, e := range j.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *memoryJournal) steps(orderID string) []sagalog.Step {
	entries, _ := j.List(context.Background(), orderID)
	steps := make([]sagalog.Step, 0, len(entries))
	for _, e := range entries {
		steps = append(steps, e.Step)
	}
	return steps
}

// racingOrders lets another writer move the order right before the first status
// write, which then loses its compare-and-set.
type racingOrders struct {
	repository.OrderRepository

	mu     sync.Mutex
	writes int
	first  func(ctx context.Context, orderID string)
	always bool
}

func (r *racingOrders) UpdateStatus(ctx context.Context, change entity.StatusChange) error {
	r.mu.Lock()
	r.writes++
	interfere := r.first
	r.first = nil
	always := r.always
	r.mu.Unlock()

	if always {
		return entity.ErrStatusConflict
	}
	if interfere != nil {
		interfere(ctx, change.OrderID)
		return entity.ErrStatusConflict
	}
	return r.OrderRepository.UpdateStatus(ctx, change)
}

func (r *racingOrders) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type FulfillmentSuite struct {
	suite.Suite

	ctx       context.Context
	orders    repository.OrderRepository
	inventory *memory.InventoryRepository
	publisher *recordingPublisher
	journal   *memoryJournal
	saga      *OrderSaga
	processor *ReservationProcessor

	buyer  entity.Identity
	seller entity.Identity
}

func TestFulfillmentSuite(t *testing.T) {
	suite.Run(t, new(FulfillmentSuite))
}

func (s *FulfillmentSuite) SetupTest() {
	s.ctx = context.Background()
	s.orders = memory.NewOrderRepository()
	s.inventory = memory.NewInventoryRepository()
	s.publisher = &recordingPublisher{}
	s.journal = &memoryJournal{}

	s.seed("P1", "seller-1", "19.99", 5)
	s.seed("P2", "seller-1", "5.00", 0)
	s.seed("P3", "seller-2", "7.50", 10)

	s.saga = NewOrderSaga(s.orders, NewInventoryCatalog(s.inventory), s.publisher, WithJournal(s.journal))
	s.processor = NewReservationProcessor(s.inventory, memory.NewDedupStore(), s.publisher)

	s.buyer = entity.Identity{UserID: "buyer-1", Role: entity.RoleBuyer}
	s.seller = entity.Identity{UserID: "seller-1", Role: entity.RoleSeller}
}

func (s *FulfillmentSuite) seed(id, seller, price string, qty int) {
	s.Require().NoError(s.inventory.Upsert(s.ctx, entity.Product{
		ID: id, SellerID: seller, Name: "Product " + id, Price: decimal.RequireFromString(price), Quantity: qty,
	}))
}

func (s *FulfillmentSuite) stock(id string) int {
	p, err := s.inventory.Get(s.ctx, id)
	s.Require().NoError(err)
	return p.Quantity
}

func (s *FulfillmentSuite) status(orderID string) entity.Status {
	o, err := s.orders.Get(s.ctx, orderID)
	s.Require().NoError(err)
	return o.Status()
}

func (s *FulfillmentSuite) request(lines ...entity.LineRequest) entity.OrderCreateRequest {
	return entity.OrderCreateRequest{
		Email:      "buyer@example.com",
		Phone:      "+14155550123",
		FullName:   "Ada Buyer",
		Address:    "1 Main St",
		City:       "Springfield",
		PostalCode: "12345",
		Items:      lines,
	}
}

// deliver routes every queued event to its consumer until the bus is quiet.
func (s *FulfillmentSuite) deliver() {
	for {
		msgs := s.publisher.drain()
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			switch m.topic {
			case messaging.TopicReservationRequested:
				s.Require().NoError(s.processor.HandleOrderCreated(s.ctx, m.event.(entity.ReservationRequest)))
			case messaging.TopicReservationSucceeded, messaging.TopicReservationFailed:
				s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, m.event.(entity.ReservationOutcome)))
			case messaging.TopicInventoryRelease:
				s.Require().NoError(s.processor.HandleInventoryRelease(s.ctx, m.event.(entity.InventoryReleaseEvent)))
			default:
				s.Failf("unexpected topic", "%s", m.topic)
			}
		}
	}
}

func (s *FulfillmentSuite) TestInsufficientStockFailsWithoutTouchingInventory() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(
		entity.LineRequest{ProductID: "P1", Quantity: 2},
		entity.LineRequest{ProductID: "P2", Quantity: 1},
	))
	s.Require().NoError(err)
	s.Equal(entity.StatusPending, order.Status())

	s.deliver()

	s.Equal(entity.StatusFailed, s.status(order.ID))
	s.Equal(5, s.stock("P1"))
	s.Equal(0, s.stock("P2"))
	s.Contains(s.publisher.topics(), messaging.TopicReservationFailed)
}

func (s *FulfillmentSuite) TestReservationMovesOrderToProcessing() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.True(order.Total().Equal(decimal.RequireFromString("39.98")))

	s.deliver()

	s.Equal(entity.StatusProcessing, s.status(order.ID))
	s.Equal(3, s.stock("P1"))
}

func (s *FulfillmentSuite) TestBuyerCancelReleasesInventory() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.deliver()
	s.Require().Equal(3, s.stock("P1"))

	change, err := s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "changed my mind")
	s.Require().NoError(err)
	s.Equal(entity.StatusProcessing, change.OldStatus)
	s.Equal(entity.StatusCancelled, change.NewStatus)

	msgs := s.publisher.drain()
	s.Require().Len(msgs, 1)
	s.Equal(messaging.TopicInventoryRelease, msgs[0].topic)
	release := msgs[0].event.(entity.InventoryReleaseEvent)
	s.Equal([]entity.ReleaseItem{{ProductID: "P1", Quantity: 2}}, release.Items)

	s.Require().NoError(s.processor.HandleInventoryRelease(s.ctx, release))
	s.Equal(5, s.stock("P1"))

	got, err := s.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal("changed my mind", got.CancellationReason)
}

func (s *FulfillmentSuite) TestCancelPendingOrderEmitsNoRelease() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.publisher.drain()

	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.Require().NoError(err)
	s.Empty(s.publisher.drain())

	// The late outcome finds the order cancelled and is ignored.
	s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, entity.ReservationOutcome{OrderID: order.ID, Status: entity.ReservationReserved}))
	s.Equal(entity.StatusCancelled, s.status(order.ID))
	s.Contains(s.journal.steps(order.ID), sagalog.StepReservationStranded)
}

func (s *FulfillmentSuite) TestCancelFailedOrderIsNotCancellable() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P2", Quantity: 1}))
	s.Require().NoError(err)
	s.deliver()
	s.Require().Equal(entity.StatusFailed, s.status(order.ID))

	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.ErrorIs(err, entity.ErrNotCancellable)
}

func (s *FulfillmentSuite) TestOutcomeIsIdempotent() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.publisher.drain()

	reserved := entity.ReservationOutcome{OrderID: order.ID, Status: entity.ReservationReserved}
	s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, reserved))
	s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, reserved))

	got, err := s.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusProcessing, got.Status())
	s.Len(got.History(), 2)
}

func (s *FulfillmentSuite) TestOutcomeForUnknownOrderIsDropped() {
	err := s.saga.HandleReservationOutcome(s.ctx, entity.ReservationOutcome{OrderID: "ghost", Status: entity.ReservationReserved})
	s.NoError(err)
	_, err = s.orders.Get(s.ctx, "ghost")
	s.ErrorIs(err, entity.ErrOrderNotFound)
}

func (s *FulfillmentSuite) TestDuplicateOrderCreatedDoesNotDoubleDecrement() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)

	msgs := s.publisher.drain()
	s.Require().Len(msgs, 1)
	request := msgs[0].event.(entity.ReservationRequest)

	s.Require().NoError(s.processor.HandleOrderCreated(s.ctx, request))
	s.Require().NoError(s.processor.HandleOrderCreated(s.ctx, request))
	s.Equal(3, s.stock("P1"))

	// Both deliveries produce the same outcome, the second one replayed.
	outcomes := s.publisher.drain()
	s.Require().Len(outcomes, 2)
	s.Equal(outcomes[0].event, outcomes[1].event)
	s.Equal(order.ID, outcomes[1].key)
}

func (s *FulfillmentSuite) TestLateDuplicateOutcomeAfterReleaseIsNotStranded() {
	order, outcome := s.reservedOutcome("P1")
	s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, outcome))
	_, err := s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.Require().NoError(err)
	s.deliver()

	s.Require().NoError(s.saga.HandleReservationOutcome(s.ctx, outcome))
	s.NotContains(s.journal.steps(order.ID), sagalog.StepReservationStranded)
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestDuplicateReleaseDoesNotDoubleIncrement() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.deliver()
	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.Require().NoError(err)

	release := s.publisher.drain()[0].event.(entity.InventoryReleaseEvent)
	s.Require().NoError(s.processor.HandleInventoryRelease(s.ctx, release))
	s.Require().NoError(s.processor.HandleInventoryRelease(s.ctx, release))
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestReleaseIgnoresUnknownAction() {
	err := s.processor.HandleInventoryRelease(s.ctx, entity.InventoryReleaseEvent{
		OrderID: "o-1", Action: "RESTOCK", Items: []entity.ReleaseItem{{ProductID: "P1", Quantity: 100}},
	})
	s.NoError(err)
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestReleaseWithoutReservationIsDropped() {
	err := s.processor.HandleInventoryRelease(s.ctx, entity.InventoryReleaseEvent{
		OrderID: "never-reserved", Action: entity.ReleaseAction, Items: []entity.ReleaseItem{{ProductID: "P1", Quantity: 3}},
	})
	s.NoError(err)
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestReleaseOfRemovedProductFailsLoudly() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.deliver()
	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.Require().NoError(err)
	s.inventory.Remove("P1")

	err = s.processor.HandleInventoryRelease(s.ctx, s.publisher.drain()[0].event.(entity.InventoryReleaseEvent))
	s.ErrorIs(err, entity.ErrProductNotFound)
	s.True(messaging.IsPermanent(err))
}

func (s *FulfillmentSuite) TestReleaseRestoresOnlyReservedLines() {
	s.seed("P9", "seller-1", "1.00", 0)
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.deliver()
	s.Require().Equal(3, s.stock("P1"))

	err = s.processor.HandleInventoryRelease(s.ctx, entity.InventoryReleaseEvent{
		OrderID: order.ID,
		Action:  entity.ReleaseAction,
		Items:   []entity.ReleaseItem{{ProductID: "P1", Quantity: 100}, {ProductID: "P9", Quantity: 7}},
	})
	s.Require().NoError(err)
	s.Equal(5, s.stock("P1"))
	s.Equal(0, s.stock("P9"))
}

// reservedOutcome places a one-unit order and runs its reservation, returning the
// RESERVED outcome undelivered.
func (s *FulfillmentSuite) reservedOutcome(productID string) (*entity.Order, entity.ReservationOutcome) {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: productID, Quantity: 1}))
	s.Require().NoError(err)
	msgs := s.publisher.drain()
	s.Require().Len(msgs, 1)
	s.Require().NoError(s.processor.HandleOrderCreated(s.ctx, msgs[0].event.(entity.ReservationRequest)))
	msgs = s.publisher.drain()
	s.Require().Len(msgs, 1)
	s.Require().Equal(messaging.TopicReservationSucceeded, msgs[0].topic)
	return order, msgs[0].event.(entity.ReservationOutcome)
}

func (s *FulfillmentSuite) moveOrder(to entity.Status) func(ctx context.Context, orderID string) {
	return func(ctx context.Context, orderID string) {
		o, err := s.orders.Get(ctx, orderID)
		s.Require().NoError(err)
		change, err := o.TransitionTo(to, "concurrent writer", time.Now().UTC())
		s.Require().NoError(err)
		s.Require().NoError(s.orders.UpdateStatus(ctx, change))
	}
}

func (s *FulfillmentSuite) TestOutcomeLosingToCancelIsDropped() {
	order, outcome := s.reservedOutcome("P1")
	racing := &racingOrders{OrderRepository: s.orders, first: s.moveOrder(entity.StatusCancelled)}
	saga := NewOrderSaga(racing, NewInventoryCatalog(s.inventory), s.publisher, WithJournal(s.journal))

	s.Require().NoError(saga.HandleReservationOutcome(s.ctx, outcome))

	s.Equal(1, racing.writeCount(), "the re-read sees CANCELLED and writes nothing")
	s.Equal(entity.StatusCancelled, s.status(order.ID))
	s.Empty(s.publisher.drain())
	s.Contains(s.journal.steps(order.ID), sagalog.StepReservationStranded)
}

func (s *FulfillmentSuite) TestCancelLosingToOutcomeRetriesAndReleases() {
	order, _ := s.reservedOutcome("P1")
	s.Require().Equal(4, s.stock("P1"))
	racing := &racingOrders{OrderRepository: s.orders, first: s.moveOrder(entity.StatusProcessing)}
	saga := NewOrderSaga(racing, NewInventoryCatalog(s.inventory), s.publisher, WithJournal(s.journal))

	change, err := saga.CancelOrder(s.ctx, s.buyer, order.ID, "too slow")
	s.Require().NoError(err)

	s.Equal(2, racing.writeCount())
	s.Equal(entity.StatusProcessing, change.OldStatus)
	s.Equal(entity.StatusCancelled, s.status(order.ID))

	s.deliver()
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestTransitionGivesUpAfterRepeatedConflicts() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	racing := &racingOrders{OrderRepository: s.orders, always: true}
	saga := NewOrderSaga(racing, NewInventoryCatalog(s.inventory), s.publisher)

	_, err = saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.ErrorIs(err, entity.ErrStatusConflict)
	s.Equal(maxTransitionAttempts, racing.writeCount())
	s.Equal(entity.StatusPending, s.status(order.ID))
}

func (s *FulfillmentSuite) TestOutcomeRacingCancelSettlesConsistently() {
	for i := 0; i < 5; i++ {
		order, outcome := s.reservedOutcome("P3")
		held := s.stock("P3")

		var (
			wg         sync.WaitGroup
			outcomeErr error
			cancelErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcomeErr = s.saga.HandleReservationOutcome(s.ctx, outcome)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "race")
		}()
		wg.Wait()
		s.Require().NoError(outcomeErr)
		s.Require().NoError(cancelErr)

		released := false
		for _, m := range s.publisher.drain() {
			s.Require().Equal(messaging.TopicInventoryRelease, m.topic)
			released = true
			s.Require().NoError(s.processor.HandleInventoryRelease(s.ctx, m.event.(entity.InventoryReleaseEvent)))
		}

		got, err := s.orders.Get(s.ctx, order.ID)
		s.Require().NoError(err)
		s.Equal(entity.StatusCancelled, got.Status())

		var path []entity.Status
		for _, h := range got.History() {
			path = append(path, h.Status)
		}
		if released {
			s.Equal([]entity.Status{entity.StatusPending, entity.StatusProcessing, entity.StatusCancelled}, path)
			s.Equal(held+1, s.stock("P3"))
		} else {
			s.Equal([]entity.Status{entity.StatusPending, entity.StatusCancelled}, path)
			s.Equal(held, s.stock("P3"))
			s.Contains(s.journal.steps(order.ID), sagalog.StepReservationStranded)
		}
	}
}

func (s *FulfillmentSuite) TestSellerWithoutProductsIsUnauthorized() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.deliver()

	other := entity.Identity{UserID: "seller-2", Role: entity.RoleSeller}
	_, err = s.saga.UpdateOrderStatus(s.ctx, other, order.ID, entity.StatusShipped)
	s.ErrorIs(err, entity.ErrUnauthorized)
	s.Equal(entity.StatusProcessing, s.status(order.ID))
}

func (s *FulfillmentSuite) TestSellerShipsAndDelivers() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.deliver()

	change, err := s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusShipped)
	s.Require().NoError(err)
	s.Equal("order status updated from PROCESSING to SHIPPED", change.Message)

	_, err = s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusDelivered)
	s.Require().NoError(err)

	_, err = s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusShipped)
	s.ErrorIs(err, entity.ErrInvalidTransition)

	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.ErrorIs(err, entity.ErrNotCancellable)
}

func (s *FulfillmentSuite) TestSellerCannotSetSagaOwnedStatus() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)

	_, err = s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusProcessing)
	s.ErrorIs(err, entity.ErrInvalidTransition)
	_, err = s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusShipped)
	s.ErrorIs(err, entity.ErrInvalidTransition)
}

func (s *FulfillmentSuite) TestSellerCancelOfProcessingOrderReleases() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.deliver()

	_, err = s.saga.UpdateOrderStatus(s.ctx, s.seller, order.ID, entity.StatusCancelled)
	s.Require().NoError(err)
	s.deliver()

	s.Equal(entity.StatusCancelled, s.status(order.ID))
	s.Equal(5, s.stock("P1"))
}

func (s *FulfillmentSuite) TestOtherBuyerCannotCancelOrRead() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)

	stranger := entity.Identity{UserID: "buyer-2", Role: entity.RoleBuyer}
	_, err = s.saga.CancelOrder(s.ctx, stranger, order.ID, "")
	s.ErrorIs(err, entity.ErrUnauthorized)
	_, err = s.saga.GetOrder(s.ctx, stranger, order.ID)
	s.ErrorIs(err, entity.ErrUnauthorized)

	got, err := s.saga.GetOrder(s.ctx, s.seller, order.ID)
	s.Require().NoError(err)
	s.Equal(order.ID, got.ID)
}

func (s *FulfillmentSuite) TestStartOrderSagaValidation() {
	_, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P404", Quantity: 1}))
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 0}))
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.saga.StartOrderSaga(s.ctx, entity.Identity{}, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.ErrorIs(err, entity.ErrAuth)

	_, err = s.saga.StartOrderSaga(s.ctx, s.seller, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.ErrorIs(err, entity.ErrUnauthorized)

	s.Empty(s.publisher.drain())
}

func (s *FulfillmentSuite) TestPriceSnapshotSurvivesCatalogChanges() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P3", Quantity: 2}))
	s.Require().NoError(err)

	s.seed("P3", "seller-2", "99.00", 10)
	s.deliver()

	got, err := s.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.True(got.Total().Equal(decimal.RequireFromString("15.00")))
	s.True(got.Items()[0].Price.Equal(decimal.RequireFromString("7.50")))
}

func (s *FulfillmentSuite) TestPublishFailureKeepsOrderPending() {
	s.publisher.failOn = messaging.TopicReservationRequested

	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.Equal(entity.StatusPending, s.status(order.ID))
	s.Equal(5, s.stock("P1"))
	s.Equal([]sagalog.Step{sagalog.StepStarted, sagalog.StepPublishFailed}, s.journal.steps(order.ID))
}

func (s *FulfillmentSuite) TestJournalRecordsSagaSteps() {
	order, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.Require().NoError(err)
	s.deliver()
	_, err = s.saga.CancelOrder(s.ctx, s.buyer, order.ID, "")
	s.Require().NoError(err)

	s.Equal([]sagalog.Step{
		sagalog.StepStarted,
		sagalog.StepReservationRequested,
		sagalog.StepProcessing,
		sagalog.StepCancelled,
		sagalog.StepReleaseRequested,
	}, s.journal.steps(order.ID))
}

func (s *FulfillmentSuite) TestListOrders() {
	for i := 0; i < 3; i++ {
		_, err := s.saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P3", Quantity: 1}))
		s.Require().NoError(err)
	}

	orders, err := s.saga.ListOrders(s.ctx, s.buyer, repository.OrderFilter{Limit: 2})
	s.Require().NoError(err)
	s.Len(orders, 2)

	_, err = s.saga.ListOrders(s.ctx, s.buyer, repository.OrderFilter{Limit: 500})
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.saga.ListOrders(s.ctx, s.seller, repository.OrderFilter{})
	s.ErrorIs(err, entity.ErrUnauthorized)
}

type slowCatalog struct {
	delay time.Duration
}

func (c slowCatalog) LookupProduct(ctx context.Context, _ string) (entity.Product, error) {
	select {
	case <-time.After(c.delay):
		return entity.Product{ID: "P1", Name: "late", Price: decimal.NewFromInt(1)}, nil
	case <-ctx.Done():
		return entity.Product{}, ctx.Err()
	}
}

func (c slowCatalog) ListSellerProductIDs(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *FulfillmentSuite) TestCatalogTimeoutIsServiceUnavailable() {
	saga := NewOrderSaga(s.orders, slowCatalog{delay: time.Second}, s.publisher, WithCatalogTimeout(20*time.Millisecond))

	_, err := saga.StartOrderSaga(s.ctx, s.buyer, s.request(entity.LineRequest{ProductID: "P1", Quantity: 1}))
	s.ErrorIs(err, entity.ErrServiceUnavailable)
	s.Empty(s.publisher.drain())
}
