package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoPollStorage keeps one item per poll. Mutations are UpdateItem expressions on a single
// attribute path, so concurrent writers on different paths never overwrite each other.
type DynamoPollStorage struct {
	Client    *dynamodb.Client
	TableName string
	TTL       time.Duration
}

const liveCondition = "attribute_exists(PK) AND ExpiresAt > :now"

func nowValue() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)}
}

func (s *DynamoPollStorage) key(pollID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pollID}}
}

func (s *DynamoPollStorage) Create(ctx context.Context, poll *Poll) (*Poll, error) {
	p := prepareCreate(poll, s.TTL, time.Now())
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		logging.Log.Errorf("STORE: failed to marshal poll %s: %v", p.ID, err)
		return nil, unavailable(err)
	}

	// An expired item may still be present until DynamoDB's TTL reaper gets to it.
	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &s.TableName,
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(PK) OR ExpiresAt <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": nowValue()},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrPollExists
		}
		logging.Log.Errorf("STORE: PUT poll %s failed: %v", p.ID, err)
		return nil, unavailable(err)
	}
	logging.Log.Debugf("STORE: created poll %s in %s", p.ID, s.TableName)
	return s.Get(ctx, p.ID)
}

func (s *DynamoPollStorage) Get(ctx context.Context, pollID string) (*Poll, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.TableName,
		Key:            s.key(pollID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		logging.Log.Errorf("STORE: GET poll %s failed: %v", pollID, err)
		return nil, unavailable(err)
	}
	if out.Item == nil {
		return nil, ErrPollNotFound
	}
	return decodeItem(out.Item)
}

func decodeItem(item map[string]types.AttributeValue) (*Poll, error) {
	var p Poll
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		logging.Log.Errorf("STORE: failed to unmarshal poll: %v", err)
		return nil, unavailable(err)
	}
	if p.Expired(time.Now()) {
		return nil, ErrPollNotFound
	}
	return p.normalize(), nil
}

// update runs expr against the live item only, plus any extra condition, and returns the whole item
// as written.
func (s *DynamoPollStorage) update(ctx context.Context, pollID, expr, condition string, names map[string]string, values map[string]types.AttributeValue) (*Poll, error) {
	if values == nil {
		values = map[string]types.AttributeValue{}
	}
	values[":now"] = nowValue()
	cond := liveCondition
	if condition != "" {
		cond += " AND " + condition
	}

	out, err := s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.TableName),
		Key:                       s.key(pollID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if condition == "" {
				return nil, ErrPollNotFound
			}
			return s.conditionFailed(ctx, pollID)
		}
		logging.Log.Errorf("STORE: UPDATE poll %s (%s) failed: %v", pollID, expr, err)
		return nil, unavailable(err)
	}
	return decodeItem(out.Attributes)
}

// conditionFailed tells which part of a guarded update's condition did not hold.
func (s *DynamoPollStorage) conditionFailed(ctx context.Context, pollID string) (*Poll, error) {
	p, err := s.Get(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if len(p.Results) > 0 {
		return nil, ErrResultsFinal
	}
	return nil, ErrBallotsChanged
}

func one() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: "1"}
}

func (s *DynamoPollStorage) setPath(ctx context.Context, pollID, field, key string, value interface{}) (*Poll, error) {
	av, err := attributevalue.Marshal(value)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.update(ctx, pollID, "SET #f.#k = :v", "",
		map[string]string{"#f": field, "#k": key},
		map[string]types.AttributeValue{":v": av})
}

func (s *DynamoPollStorage) removePath(ctx context.Context, pollID, field, key string) (*Poll, error) {
	return s.update(ctx, pollID, "REMOVE #f.#k", "", map[string]string{"#f": field, "#k": key}, nil)
}

func (s *DynamoPollStorage) SetParticipant(ctx context.Context, pollID, participantID, name string) (*Poll, error) {
	return s.setPath(ctx, pollID, "Participants", participantID, name)
}

func (s *DynamoPollStorage) DeleteParticipant(ctx context.Context, pollID, participantID string) (*Poll, error) {
	return s.update(ctx, pollID, "REMOVE #f.#k ADD #r :one", "",
		map[string]string{"#f": "Participants", "#k": participantID, "#r": "BallotRevision"},
		map[string]types.AttributeValue{":one": one()})
}

func (s *DynamoPollStorage) SetNomination(ctx context.Context, pollID, nominationID string, nomination Nomination) (*Poll, error) {
	return s.setPath(ctx, pollID, "Nominations", nominationID, nomination)
}

func (s *DynamoPollStorage) DeleteNomination(ctx context.Context, pollID, nominationID string) (*Poll, error) {
	return s.removePath(ctx, pollID, "Nominations", nominationID)
}

func (s *DynamoPollStorage) SetStarted(ctx context.Context, pollID string) (*Poll, error) {
	return s.update(ctx, pollID, "SET #f = :v", "",
		map[string]string{"#f": "HasStarted"},
		map[string]types.AttributeValue{":v": &types.AttributeValueMemberBOOL{Value: true}})
}

func (s *DynamoPollStorage) SetRanking(ctx context.Context, pollID, participantID string, ranking []string) (*Poll, error) {
	av, err := attributevalue.Marshal(ranking)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.update(ctx, pollID, "SET #f.#k = :v ADD #r :one", "attribute_not_exists(#res)",
		map[string]string{"#f": "Rankings", "#k": participantID, "#r": "BallotRevision", "#res": "Results"},
		map[string]types.AttributeValue{":v": av, ":one": one()})
}

func (s *DynamoPollStorage) SetResults(ctx context.Context, pollID string, results []Result, ballotRevision int64) (*Poll, error) {
	av, err := attributevalue.Marshal(results)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.update(ctx, pollID, "SET #f = :v", "attribute_not_exists(#f) AND #r = :rev",
		map[string]string{"#f": "Results", "#r": "BallotRevision"},
		map[string]types.AttributeValue{
			":v":   av,
			":rev": &types.AttributeValueMemberN{Value: strconv.FormatInt(ballotRevision, 10)},
		})
}

func (s *DynamoPollStorage) Delete(ctx context.Context, pollID string) error {
	_, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.TableName,
		Key:       s.key(pollID),
	})
	if err != nil {
		logging.Log.Errorf("STORE: DEL poll %s failed: %v", pollID, err)
		return unavailable(err)
	}
	return nil
}

// EnsureTable creates the polls table with TTL on ExpiresAt when it does not exist yet.
func (s *DynamoPollStorage) EnsureTable(ctx context.Context) error {
	_, err := s.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.TableName})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return unavailable(err)
	}

	_, err = s.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &s.TableName,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return unavailable(err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.Client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: &s.TableName}, time.Minute); err != nil {
		return unavailable(err)
	}

	_, err = s.Client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: &s.TableName,
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ExpiresAt"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return unavailable(err)
	}
	logging.Log.Infof("STORE: created table %s with TTL on ExpiresAt", s.TableName)
	return nil
}
