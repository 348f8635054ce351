package gentimegorm

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/lemmego/gentime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Test models
type TestArticle struct {
	ID        uint       `gorm:"primaryKey"`
	Title     string     `gorm:"size:255;not null"`
	Body      string     `gorm:"type:text"`
	CreatedAt time.Time  `gentime:"creation;source:vm"`
	UpdatedAt time.Time  `gentime:"update;source:vm"`
	Revision  time.Time  `gentime:"events:insert,update;source:vm;version"`
	DeletedAt *time.Time `gentime:"soft_delete;source:vm"`
}

type TestSession struct {
	ID        uint         `gorm:"primaryKey"`
	Token     string       `gorm:"size:64;uniqueIndex"`
	StartedAt time.Time    `gentime:"creation"`
	SeenAt    sql.NullTime `gentime:"update"`
}

type TestBadEntity struct {
	ID    uint   `gorm:"primaryKey"`
	Stamp string `gentime:"creation"`
}

// stepClock advances one second on every read
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// Test suite
type GormAdapterTestSuite struct {
	suite.Suite
	provider    *Provider
	clock       *stepClock
	articleRepo gentime.Repository
	sessionRepo gentime.Repository
	ctx         context.Context
}

func (suite *GormAdapterTestSuite) SetupSuite() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(suite.T(), err)
	sqlDB, err := db.DB()
	require.NoError(suite.T(), err)
	// a single connection keeps the in-memory database alive and shared
	sqlDB.SetMaxOpenConns(1)

	suite.clock = &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	config := gentime.Config{Generation: gentime.GenerationConfig{UTC: true}}
	suite.provider, err = New(db, config, gentime.WithClock(suite.clock))
	require.NoError(suite.T(), err)
	suite.ctx = context.Background()

	require.NoError(suite.T(), suite.provider.Migrate(suite.ctx, &TestArticle{}, &TestSession{}))

	suite.articleRepo, err = suite.provider.RepositoryFor(&TestArticle{})
	require.NoError(suite.T(), err)
	suite.sessionRepo, err = suite.provider.RepositoryFor(&TestSession{})
	require.NoError(suite.T(), err)
}

func (suite *GormAdapterTestSuite) TearDownSuite() {
	if suite.provider != nil {
		suite.provider.Close()
	}
}

func (suite *GormAdapterTestSuite) SetupTest() {
	db := suite.provider.DB()
	db.Exec("DELETE FROM test_articles")
	db.Exec("DELETE FROM test_sessions")
}

func (suite *GormAdapterTestSuite) createArticle(title string) *TestArticle {
	article := &TestArticle{Title: title}
	require.NoError(suite.T(), suite.articleRepo.Create(suite.ctx, article))
	return article
}

func (suite *GormAdapterTestSuite) reload(id uint) *TestArticle {
	var found TestArticle
	require.NoError(suite.T(), suite.articleRepo.FindByID(suite.ctx, id, &found))
	return &found
}

// =====================================
// Provider Tests
// =====================================

func (suite *GormAdapterTestSuite) TestProviderFactory() {
	factory := &Factory{}

	drivers := factory.SupportedDrivers()
	expected := []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "sqlserver", "mssql"}
	assert.ElementsMatch(suite.T(), expected, drivers)

	config := gentime.Config{
		Driver:   "sqlite",
		Database: ":memory:",
		Options: map[string]interface{}{
			"gorm": map[string]interface{}{
				"log_level": "silent",
			},
		},
	}
	provider, err := gentime.NewProvider("gorm", config)
	require.NoError(suite.T(), err)
	defer provider.Close()

	info := provider.ProviderInfo()
	assert.Equal(suite.T(), "GORM", info.Name)
	assert.Equal(suite.T(), gentime.DatabaseTypeSQL, info.DatabaseType)
	assert.Equal(suite.T(), gentime.DialectSQLite, info.Dialect)

	caps := provider.Capabilities()
	assert.False(suite.T(), caps.SupportsReturning(gentime.EventInsert))
	assert.NoError(suite.T(), provider.Health())
}

func (suite *GormAdapterTestSuite) TestRepositoryRejectsInvalidMapping() {
	_, err := suite.provider.RepositoryFor(&TestBadEntity{})
	assert.True(suite.T(), gentime.IsInvalidConfiguration(err))
}

func (suite *GormAdapterTestSuite) TestMappingFollowsGormColumns() {
	m := suite.articleRepo.Mapping()
	assert.Equal(suite.T(), []string{"created_at", "updated_at", "revision", "deleted_at"}, m.Columns())
}

// =====================================
// VM Generated Values
// =====================================

func (suite *GormAdapterTestSuite) TestCreateStampsInsertEvents() {
	article := suite.createArticle("Hello")

	assert.NotZero(suite.T(), article.ID)
	assert.False(suite.T(), article.CreatedAt.IsZero())
	assert.True(suite.T(), article.CreatedAt.Equal(article.UpdatedAt))
	assert.True(suite.T(), article.CreatedAt.Equal(article.Revision))
	assert.Nil(suite.T(), article.DeletedAt)

	found := suite.reload(article.ID)
	assert.True(suite.T(), article.CreatedAt.Equal(found.CreatedAt))
	assert.True(suite.T(), article.Revision.Equal(found.Revision))
	assert.Nil(suite.T(), found.DeletedAt)
}

func (suite *GormAdapterTestSuite) TestCreateRejectsDirectAssignment() {
	article := &TestArticle{Title: "Backdated", CreatedAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}

	err := suite.articleRepo.Create(suite.ctx, article)
	assert.True(suite.T(), gentime.IsDirectAssignment(err))

	var gerr gentime.Error
	require.ErrorAs(suite.T(), err, &gerr)
	assert.Equal(suite.T(), "created_at", gerr.Code)

	var count int64
	suite.provider.DB().Model(&TestArticle{}).Count(&count)
	assert.Zero(suite.T(), count)
}

func (suite *GormAdapterTestSuite) TestUpdateLeavesCreationTimestamp() {
	article := suite.createArticle("Draft")
	created := article.CreatedAt

	article.Title = "Published"
	article.CreatedAt = time.Time{}
	require.NoError(suite.T(), suite.articleRepo.Update(suite.ctx, article))
	assert.True(suite.T(), article.UpdatedAt.After(created))
	assert.True(suite.T(), article.Revision.Equal(article.UpdatedAt))

	found := suite.reload(article.ID)
	assert.Equal(suite.T(), "Published", found.Title)
	assert.True(suite.T(), created.Equal(found.CreatedAt), "creation timestamp must not be rewritten")
	assert.True(suite.T(), article.UpdatedAt.Equal(found.UpdatedAt))
}

func (suite *GormAdapterTestSuite) TestUpdateDetectsStaleVersion() {
	article := suite.createArticle("Shared")
	first := suite.reload(article.ID)
	second := suite.reload(article.ID)

	first.Body = "first writer"
	require.NoError(suite.T(), suite.articleRepo.Update(suite.ctx, first))

	staleRevision := second.Revision
	staleUpdated := second.UpdatedAt
	second.Body = "second writer"
	err := suite.articleRepo.Update(suite.ctx, second)
	assert.True(suite.T(), gentime.IsConflict(err))

	// the failed write leaves the in-memory entity as it was
	assert.True(suite.T(), staleRevision.Equal(second.Revision))
	assert.True(suite.T(), staleUpdated.Equal(second.UpdatedAt))

	found := suite.reload(article.ID)
	assert.Equal(suite.T(), "first writer", found.Body)
}

func (suite *GormAdapterTestSuite) TestSoftDelete() {
	article := suite.createArticle("Obsolete")
	updated := article.UpdatedAt

	require.NoError(suite.T(), suite.articleRepo.SoftDelete(suite.ctx, article))
	require.NotNil(suite.T(), article.DeletedAt)
	assert.True(suite.T(), article.DeletedAt.After(updated))
	assert.True(suite.T(), updated.Equal(article.UpdatedAt))

	found := suite.reload(article.ID)
	require.NotNil(suite.T(), found.DeletedAt)
	assert.True(suite.T(), article.DeletedAt.Equal(*found.DeletedAt))
	assert.True(suite.T(), updated.Equal(found.UpdatedAt))
}

func (suite *GormAdapterTestSuite) TestSoftDeleteUnsupported() {
	session := &TestSession{Token: "no-soft-delete"}
	require.NoError(suite.T(), suite.sessionRepo.Create(suite.ctx, session))

	err := suite.sessionRepo.SoftDelete(suite.ctx, session)
	assert.True(suite.T(), gentime.IsUnsupported(err))
}

func (suite *GormAdapterTestSuite) TestForceIncrement() {
	article := suite.createArticle("Locked")
	revision := article.Revision
	updated := article.UpdatedAt

	require.NoError(suite.T(), suite.articleRepo.ForceIncrement(suite.ctx, article))
	assert.True(suite.T(), article.Revision.After(revision))
	assert.True(suite.T(), updated.Equal(article.UpdatedAt))

	found := suite.reload(article.ID)
	assert.True(suite.T(), article.Revision.Equal(found.Revision))
	assert.True(suite.T(), updated.Equal(found.UpdatedAt))
}

func (suite *GormAdapterTestSuite) TestUpdatePartial() {
	article := suite.createArticle("Partial")

	err := suite.articleRepo.UpdatePartial(suite.ctx, article.ID, map[string]interface{}{"title": "Renamed"})
	require.NoError(suite.T(), err)

	found := suite.reload(article.ID)
	assert.Equal(suite.T(), "Renamed", found.Title)
	assert.True(suite.T(), found.UpdatedAt.After(article.UpdatedAt))
	assert.True(suite.T(), article.CreatedAt.Equal(found.CreatedAt))
}

func (suite *GormAdapterTestSuite) TestUpdatePartialRejectsGeneratedColumns() {
	article := suite.createArticle("Guarded")

	err := suite.articleRepo.UpdatePartial(suite.ctx, article.ID, map[string]interface{}{
		"title":      "ok",
		"updated_at": time.Now(),
	})
	assert.True(suite.T(), gentime.IsDirectAssignment(err))

	found := suite.reload(article.ID)
	assert.Equal(suite.T(), "Guarded", found.Title)
}

func (suite *GormAdapterTestSuite) TestUpdatePartialNotFound() {
	err := suite.articleRepo.UpdatePartial(suite.ctx, 99999, map[string]interface{}{"title": "ghost"})
	assert.True(suite.T(), gentime.IsNotFound(err))
}

func (suite *GormAdapterTestSuite) TestDelete() {
	article := suite.createArticle("Gone")

	require.NoError(suite.T(), suite.articleRepo.Delete(suite.ctx, article.ID))

	var found TestArticle
	err := suite.articleRepo.FindByID(suite.ctx, article.ID, &found)
	assert.True(suite.T(), gentime.IsNotFound(err))

	err = suite.articleRepo.Delete(suite.ctx, article.ID)
	assert.True(suite.T(), gentime.IsNotFound(err))
}

// =====================================
// DB Generated Values
// =====================================

func (suite *GormAdapterTestSuite) TestCreateFetchesDatabaseValues() {
	before := time.Now().Add(-time.Minute)
	session := &TestSession{Token: "abc"}
	require.NoError(suite.T(), suite.sessionRepo.Create(suite.ctx, session))

	assert.False(suite.T(), session.StartedAt.IsZero())
	assert.True(suite.T(), session.StartedAt.After(before))
	assert.True(suite.T(), session.SeenAt.Valid)
	assert.WithinDuration(suite.T(), session.StartedAt, session.SeenAt.Time, time.Second)
}

func (suite *GormAdapterTestSuite) TestUpdateFetchesDatabaseValues() {
	session := &TestSession{Token: "def"}
	require.NoError(suite.T(), suite.sessionRepo.Create(suite.ctx, session))
	started := session.StartedAt

	session.Token = "def-2"
	require.NoError(suite.T(), suite.sessionRepo.Update(suite.ctx, session))
	assert.True(suite.T(), session.SeenAt.Valid)
	assert.False(suite.T(), session.SeenAt.Time.Before(started))

	var found TestSession
	require.NoError(suite.T(), suite.sessionRepo.FindByID(suite.ctx, session.ID, &found))
	assert.True(suite.T(), started.Equal(found.StartedAt))
	assert.Equal(suite.T(), "def-2", found.Token)
}

func (suite *GormAdapterTestSuite) TestDuplicateKeyError() {
	require.NoError(suite.T(), suite.sessionRepo.Create(suite.ctx, &TestSession{Token: "dup"}))

	err := suite.sessionRepo.Create(suite.ctx, &TestSession{Token: "dup"})
	assert.True(suite.T(), gentime.IsDuplicate(err))
}

func TestProviderWithInvalidDriver(t *testing.T) {
	factory := &Factory{}
	_, err := factory.Create(gentime.Config{Driver: "oracle"})
	assert.True(t, gentime.IsUnsupported(err))
}

func TestBuildDSN(t *testing.T) {
	config := gentime.Config{Host: "db", Port: 5432, Username: "u", Password: "p", Database: "app"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=app sslmode=disable", buildPostgresDSN(config))

	config.Port = 3306
	assert.Equal(t, "u:p@tcp(db:3306)/app?charset=utf8mb4&parseTime=True&loc=UTC", buildMySQLDSN(config))

	config.ConnectionURL = "sqlserver://override"
	assert.Equal(t, "sqlserver://override", buildSQLServerDSN(config))
}

func TestGormAdapterSuite(t *testing.T) {
	suite.Run(t, new(GormAdapterTestSuite))
}
