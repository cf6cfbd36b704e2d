package secrets

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/inferd/oracle/types"
)

// fakeSecretsManager implements the three calls the store uses.
type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI

	mu      sync.Mutex
	secrets map[string]string
	forced  []bool
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: make(map[string]string)}
}

func (f *fakeSecretsManager) GetSecretValueWithContext(_ aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.secrets[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceNotFoundException, "not found", nil)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func (f *fakeSecretsManager) CreateSecretWithContext(_ aws.Context, in *secretsmanager.CreateSecretInput, _ ...request.Option) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.StringValue(in.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceExistsException, "exists", nil)
	}
	f.secrets[name] = aws.StringValue(in.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func (f *fakeSecretsManager) PutSecretValueWithContext(_ aws.Context, in *secretsmanager.PutSecretValueInput, _ ...request.Option) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.secrets[aws.StringValue(in.SecretId)] = aws.StringValue(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsManager) DeleteSecretWithContext(_ aws.Context, in *secretsmanager.DeleteSecretInput, _ ...request.Option) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forced = append(f.forced, aws.BoolValue(in.ForceDeleteWithoutRecovery))
	id := aws.StringValue(in.SecretId)
	if _, ok := f.secrets[id]; !ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceNotFoundException, "not found", nil)
	}
	delete(f.secrets, id)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

type StoreTestSuite struct {
	suite.Suite
	stores map[string]Store
	aws    *fakeSecretsManager
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) SetupTest() {
	suite.aws = newFakeSecretsManager()
	suite.stores = map[string]Store{
		"memory": NewMemory(),
		"aws":    NewAWSWithClient(suite.aws),
	}
}

func (suite *StoreTestSuite) TestRoundTrip() {
	ctx := context.Background()
	for name, store := range suite.stores {
		suite.Run(name, func() {
			key := NewKey("inferd/")

			_, err := store.Get(ctx, key)
			suite.ErrorIs(err, types.ErrSecretNotFound)

			suite.Require().NoError(store.Put(ctx, key, "word1 word2"))
			v, err := store.Get(ctx, key)
			suite.Require().NoError(err)
			suite.Equal("word1 word2", v)

			// overwrite
			suite.Require().NoError(store.Put(ctx, key, "word3"))
			v, err = store.Get(ctx, key)
			suite.Require().NoError(err)
			suite.Equal("word3", v)

			suite.Require().NoError(store.Delete(ctx, key))
			_, err = store.Get(ctx, key)
			suite.ErrorIs(err, types.ErrSecretNotFound)

			// deleting twice is fine
			suite.NoError(store.Delete(ctx, key))
		})
	}
}

func (suite *StoreTestSuite) TestAWSDeleteIsForced() {
	store := suite.stores["aws"]
	suite.Require().NoError(store.Put(context.Background(), "k", "v"))
	suite.Require().NoError(store.Delete(context.Background(), "k"))

	suite.Equal([]bool{true}, suite.aws.forced)
}

func (suite *StoreTestSuite) TestNewKey() {
	a, b := NewKey("inferd/"), NewKey("inferd/")
	suite.NotEqual(a, b)
	suite.True(strings.HasPrefix(a, "inferd/"))
	suite.Len(strings.TrimPrefix(a, "inferd/"), 36)
}

func (suite *StoreTestSuite) TestNewAWS_RequiresRegion() {
	_, err := NewAWS("")
	suite.Error(err)
}
